package rpc

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/coordinator/internal/coreerr"
	"github.com/plaenen/coordinator/internal/domain"
)

// NATSForwarder forwards a routed command/query to the chosen instance over
// a plain NATS request-reply call, addressed by a per-instance subject.
// Handler instances subscribe to their own subject with nc.Subscribe or
// micro.AddService the same way Server does for the core's own operations.
type NATSForwarder struct {
	nc *nats.Conn
}

// NewNATSForwarder builds a Forwarder over an established NATS connection.
func NewNATSForwarder(nc *nats.Conn) *NATSForwarder {
	return &NATSForwarder{nc: nc}
}

// instanceSubject is the subject a registered instance listens on for
// forwarded commands/queries of a given kind and type, e.g.
// "instance.<instanceId>.command.<type>".
func instanceSubject(instanceID string, kind domain.HandlerKind, typeName string) string {
	var segment string
	switch kind {
	case domain.KindCommand:
		segment = "command"
	case domain.KindQuery:
		segment = "query"
	default:
		segment = "event"
	}
	return fmt.Sprintf("instance.%s.%s.%s", instanceID, segment, typeName)
}

// Forward implements Forwarder by issuing a NATS request to the target
// instance's subject and returning its reply payload.
func (f *NATSForwarder) Forward(ctx context.Context, instanceID string, kind domain.HandlerKind, typeName string, payload []byte) ([]byte, error) {
	subject := instanceSubject(instanceID, kind, typeName)
	msg, err := f.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		if err == nats.ErrNoResponders || err == nats.ErrTimeout {
			return nil, coreerr.Wrap(coreerr.NoHandler, "target instance did not respond", err)
		}
		return nil, coreerr.Wrap(coreerr.StorageTransient, "forwarding request failed", err)
	}
	return msg.Data, nil
}
