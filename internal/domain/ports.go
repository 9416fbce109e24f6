package domain

import (
	"context"
	"encoding/json"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// Authenticator exchanges a stream name and credentials for connection parameters.
type Authenticator interface {
	Authenticate(ctx context.Context, streamName string, creds Credentials) (*Connection, error)
}

// Signaler manages the WebSocket signaling connection.
type Signaler interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(e Event, data any) error
	IsConnected() bool
}

// SignalHandler receives signaling notifications in arrival order.
type SignalHandler interface {
	OnOpen()
	OnClose(reason string)
	OnError(err error)
	OnEvent(e Event, data json.RawMessage)
}

// SignalerFactory builds a signaling channel for one attempt.
type SignalerFactory func(url, token string, h SignalHandler) Signaler

// Slot is a send or receive capability on the transport. Slots are compared
// by identity; Mid is empty until negotiation assigns one.
type Slot interface {
	Kind() MediaKind
	Mid() string
}

// RemoteTrack is inbound media bound to a slot.
type RemoteTrack interface {
	ID() string
	MimeType() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Transport manages one peer media session.
type Transport interface {
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	LocalDescription() *SessionDescription
	RemoteDescription() *SessionDescription
	AddReceiveSlot(kind MediaKind) (Slot, error)
	InboundAudioFmtp() (string, bool)
	Close() error
}

// TransportEvents receives transport notifications. Implementations must
// not assume which goroutine they are called on.
type TransportEvents interface {
	OnNegotiationNeeded()
	OnSlotIdentity(slot Slot, mid string)
	OnRemoteTrack(slot Slot, track RemoteTrack)
	OnConnectionState(state string)
}

// TransportConfig carries what a transport needs from authentication.
type TransportConfig struct {
	Role       Role
	ICEServers []ICEServer
}

// TransportFactory builds a transport for one attempt.
type TransportFactory func(cfg TransportConfig, events TransportEvents) (Transport, error)
