// Package transport names the contract between relay clients and the wire. Implementations live in
// httpapi, which speaks HTTP, and local, which dispatches in process.
package transport

import (
	"context"
	"encoding/json"

	"github.com/meow-io/go-relay/protocol"
)

// Transport invokes one procedure and decodes its result into out. Relay failures are returned as
// *relayerr.Error; anything else means the relay could not be reached.
type Transport interface {
	Call(ctx context.Context, procedure protocol.Procedure, env *protocol.Envelope, payload json.RawMessage, out interface{}) error
}
