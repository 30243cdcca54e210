package protocol

import (
	"context"

	"github.com/flashbots/secagg/crypto"
)

// CryptoProvider is the set of primitives the protocol consumes.
type CryptoProvider = crypto.Provider

// CoordinatorTransport is the coordinator's side of the message transport.
// Handlers may be invoked concurrently for different participants but calls
// for one participant arrive in order, and a participant's disconnect is
// delivered after all of its earlier messages.
type CoordinatorTransport interface {
	// Send delivers msg to one connected participant.
	Send(ctx context.Context, to ParticipantID, msg *Envelope) error

	// Broadcast delivers msg to every connected participant.
	Broadcast(ctx context.Context, msg *Envelope) error

	// OnMessage registers the handler for inbound messages.
	OnMessage(handler func(from ParticipantID, msg *Envelope))

	// OnDisconnect registers the handler for lost participants.
	OnDisconnect(handler func(id ParticipantID))
}

// ParticipantTransport is a participant's connection to the coordinator.
type ParticipantTransport interface {
	// Send delivers msg to the coordinator.
	Send(ctx context.Context, msg *Envelope) error

	// OnMessage registers the handler for messages from the coordinator.
	OnMessage(handler func(msg *Envelope))

	// OnDisconnect registers the handler invoked when the connection drops.
	OnDisconnect(handler func(err error))

	// Close shuts the connection down.
	Close() error
}

// Reconnector is implemented by participant transports that can re-establish
// a dropped connection under a bounded retry policy.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}
