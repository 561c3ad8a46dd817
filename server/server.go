// Package server implements the relay: key bundle issuance, direct and group ciphertext queues and
// group membership, behind a single authenticated Dispatch entry point.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-relay/auth"
	"github.com/meow-io/go-relay/clock"
	"github.com/meow-io/go-relay/config"
	db "github.com/meow-io/go-relay/internal/db"
	"github.com/meow-io/go-relay/protocol"
	"github.com/meow-io/go-relay/relayerr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	StateNew = iota
	StateRunning
	StateStopped
)

type caller struct {
	UserID            string
	IdentityPublicKey []byte
}

type handler struct {
	public bool
	run    func(s *Server, tx *sqlx.Tx, c *caller, payload []byte) (interface{}, error)
}

// handle adapts a typed procedure implementation. Payloads are decoded strictly so unknown fields
// can't hide behind a valid signature.
func handle[Req any, Res any](public bool, fn func(s *Server, tx *sqlx.Tx, c *caller, req *Req) (Res, error)) *handler {
	return &handler{
		public: public,
		run: func(s *Server, tx *sqlx.Tx, c *caller, payload []byte) (interface{}, error) {
			req := new(Req)
			dec := json.NewDecoder(bytes.NewReader(payload))
			dec.DisallowUnknownFields()
			if err := dec.Decode(req); err != nil {
				return nil, relayerr.Wrap(relayerr.CodeInvalidArgument, "malformed payload", err)
			}
			return fn(s, tx, c, req)
		},
	}
}

var handlers = map[protocol.Procedure]*handler{
	protocol.RegisterBundle: handle(false, (*Server).registerBundle),
	protocol.GetBundle:      handle(true, (*Server).getBundle),
	protocol.PreKeyCount:    handle(false, (*Server).preKeyCount),
	protocol.SendMessage:    handle(false, (*Server).sendMessage),
	protocol.PollMessages:   handle(false, (*Server).pollMessages),
	protocol.AckMessage:     handle(false, (*Server).ackMessage),
	protocol.CreateGroup:    handle(false, (*Server).createGroup),
	protocol.AddMembers:     handle(false, (*Server).addMembers),
	protocol.PostGroup:      handle(false, (*Server).postGroup),
	protocol.PollGroup:      handle(false, (*Server).pollGroup),
	protocol.AckGroup:       handle(false, (*Server).ackGroup),
	protocol.ListMyGroups:   handle(false, (*Server).listMine),
	protocol.GetMembers:     handle(false, (*Server).getMembers),
}

type Server struct {
	config     *config.Config
	db         *db.Database
	clock      clock.Clock
	log        *zap.SugaredLogger
	verifier   *auth.Verifier
	metrics    *metrics
	lock       sync.Mutex
	state      int
	finished   sync.WaitGroup
	cancelFunc context.CancelFunc
}

// NewServer migrates d and returns a relay serving from it.
func NewServer(c *config.Config, d *db.Database, cl clock.Clock) (*Server, error) {
	log := c.Logger("server")
	if err := Migrate(d); err != nil {
		return nil, err
	}
	return &Server{
		config:   c,
		db:       d,
		clock:    cl,
		log:      log,
		verifier: auth.NewVerifier(c, cl),
		metrics:  newMetrics(),
		state:    StateNew,
	}, nil
}

func Migrate(d *db.Database) error {
	if err := d.Migrate("auth", auth.Migrations); err != nil {
		return fmt.Errorf("server: error migrating auth: %w", err)
	}
	if err := d.Migrate("relay", migrations); err != nil {
		return fmt.Errorf("server: error migrating relay: %w", err)
	}
	return nil
}

func (s *Server) Registry() *prometheus.Registry {
	return s.metrics.registry
}

// Dispatch authenticates and runs one procedure. Verification consumes the nonce in its own
// transaction. Authorization checks and the procedure's writes then share a second one.
func (s *Server) Dispatch(ctx context.Context, procedure protocol.Procedure, env *protocol.Envelope, payload []byte) (interface{}, error) {
	start := time.Now()
	result, err := s.dispatch(ctx, procedure, env, payload)
	code := "OK"
	if err != nil {
		code = string(relayerr.CodeOf(err))
		if code == string(relayerr.CodeInternal) {
			s.log.Errorf("error handling %s: %v", procedure, err)
		} else {
			s.log.Debugf("rejected %s: %v", procedure, err)
		}
		if code == string(relayerr.CodeReplayDetected) {
			s.metrics.replays.Inc()
		}
	}
	if _, ok := handlers[procedure]; ok {
		s.metrics.requests.WithLabelValues(string(procedure), code).Inc()
		s.metrics.duration.WithLabelValues(string(procedure)).Observe(time.Since(start).Seconds())
	}
	return result, err
}

func (s *Server) dispatch(ctx context.Context, procedure protocol.Procedure, env *protocol.Envelope, payload []byte) (interface{}, error) {
	h, ok := handlers[procedure]
	if !ok {
		return nil, relayerr.InvalidArgument("unknown procedure %q", procedure)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	}

	// The nonce is committed on its own so a request the procedure rejects still burns it.
	var c *caller
	if env != nil || !h.public {
		if err := s.db.Run(ctx, "verify "+string(procedure), func(tx *sqlx.Tx) error {
			userID, err := s.verifier.Verify(tx, procedure, env, payload)
			if err != nil {
				return err
			}
			pub, err := auth.DecodeKey(env.IdentityPublicKey, 32)
			if err != nil {
				return relayerr.Internal(err)
			}
			c = &caller{UserID: userID, IdentityPublicKey: pub}
			return nil
		}); err != nil {
			return nil, publicError(err)
		}
	}

	var result interface{}
	if err := s.db.Run(ctx, string(procedure), func(tx *sqlx.Tx) error {
		var err error
		result, err = h.run(s, tx, c, payload)
		return err
	}); err != nil {
		return nil, publicError(err)
	}
	return result, nil
}

func publicError(err error) error {
	var e *relayerr.Error
	if !errors.As(err, &e) {
		return relayerr.Internal(err)
	}
	return err
}

// Start runs the nonce sweeper until Shutdown.
func (s *Server) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != StateNew {
		return fmt.Errorf("server: already started")
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	s.cancelFunc = cancelFunc
	s.state = StateRunning

	if s.config.NonceRetentionMs <= 0 || s.config.NonceSweepIntervalMs <= 0 {
		s.log.Infof("nonce sweeping disabled")
		return nil
	}

	s.finished.Add(1)
	go func() {
		defer s.finished.Done()
		ticker := time.NewTicker(time.Duration(s.config.NonceSweepIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepNonces(ctx); err != nil {
					s.log.Warnf("error sweeping nonces %#v", err)
				}
			}
		}
	}()
	return nil
}

func (s *Server) Shutdown() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != StateRunning {
		return
	}
	s.cancelFunc()
	s.finished.Wait()
	s.state = StateStopped
}

// SweepNonces deletes nonces older than the retention window, which can no longer be replayed.
func (s *Server) SweepNonces(ctx context.Context) (int64, error) {
	if s.config.NonceRetentionMs <= 0 {
		return 0, nil
	}
	// an envelope dated MaxClockSkewMs ahead stays acceptable that much longer than its nonce's age
	before := s.clock.CurrentTimeMs() - s.config.NonceRetentionMs - s.config.MaxClockSkewMs
	var swept int64
	if err := s.db.Run(ctx, "sweep nonces", func(tx *sqlx.Tx) error {
		var err error
		swept, err = auth.SweepNonces(ctx, tx, before)
		return err
	}); err != nil {
		return 0, fmt.Errorf("server: error sweeping nonces: %w", err)
	}
	s.metrics.swept.Add(float64(swept))
	if swept > 0 {
		s.log.Debugf("swept %d nonces", swept)
	}
	return swept, nil
}
