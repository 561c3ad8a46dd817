// Package local runs relay calls in process. Results and errors go through the same JSON encoding as
// the HTTP transport so callers observe identical behaviour.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/protocol"
	"github.com/meow-io/go-relay/relayerr"
	"go.uber.org/zap"
)

var ErrOffline = errors.New("local: relay unreachable")

type Dispatcher interface {
	Dispatch(ctx context.Context, procedure protocol.Procedure, env *protocol.Envelope, payload []byte) (interface{}, error)
}

type Transport struct {
	log        *zap.SugaredLogger
	dispatcher Dispatcher
	lock       sync.RWMutex
	offline    bool
	calls      map[protocol.Procedure]int
}

func NewTransport(c *config.Config, d Dispatcher) *Transport {
	return &Transport{
		log:        c.Logger("transport/local"),
		dispatcher: d,
		calls:      make(map[protocol.Procedure]int),
	}
}

// SetOffline makes every following call fail with ErrOffline until it is cleared.
func (t *Transport) SetOffline(offline bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.offline = offline
}

// Calls reports how many times procedure reached the relay.
func (t *Transport) Calls(procedure protocol.Procedure) int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.calls[procedure]
}

func (t *Transport) Call(ctx context.Context, procedure protocol.Procedure, env *protocol.Envelope, payload json.RawMessage, out interface{}) error {
	t.lock.Lock()
	if t.offline {
		t.lock.Unlock()
		return ErrOffline
	}
	t.calls[procedure]++
	t.lock.Unlock()

	result, err := t.dispatcher.Dispatch(ctx, procedure, env, payload)
	if err != nil {
		t.log.Debugf("%s failed with %v", procedure, err)
		return relayerr.Public(err)
	}
	if out == nil {
		return nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("local: error encoding %s result: %w", procedure, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("local: error decoding %s result: %w", procedure, err)
	}
	return nil
}
