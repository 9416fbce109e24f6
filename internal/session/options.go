package session

import (
	"errors"
	"time"

	"mcstream/native/internal/domain"

	"github.com/pion/logging"
)

// Defaults for Options durations left at zero.
const (
	DefaultStatsInterval   = time.Second
	DefaultFirstRetryDelay = time.Second
	DefaultRetryInterval   = 5 * time.Second
)

// Hooks are caller notifications. They run one at a time, in event order, on
// a goroutine of their own; a hook may call back into the session. A blocked
// hook delays later hooks, so hand long work such as reading a track to a
// goroutine.
type Hooks struct {
	OnConnected        func()
	OnConnectionError  func(err error)
	OnViewerCount      func(count int)
	OnSourceActive     func(sourceID string, tracks []domain.TrackAnnouncement)
	OnSourceInactive   func(sourceID string)
	OnSimulcastLayers  func(info domain.SimulcastInfo)
	OnRemoteTrackReady func(sourceID string, kind domain.MediaKind, track domain.RemoteTrack)
	OnStopped          func()
}

// Options are shared by publishers and subscribers.
type Options struct {
	StreamName    string
	Credentials   domain.Credentials
	Authenticator domain.Authenticator
	NewSignaler   domain.SignalerFactory
	NewTransport  domain.TransportFactory
	LoggerFactory logging.LoggerFactory
	Hooks         Hooks

	// LegacyAV1 renames AV1 to AV1X in remote descriptions and back in local
	// ones, for engines that register AV1 under the older name.
	LegacyAV1 bool

	StatsInterval     time.Duration
	FirstRetryDelay   time.Duration
	RetryInterval     time.Duration
	ProjectionTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.LoggerFactory == nil {
		o.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if o.StatsInterval == 0 {
		o.StatsInterval = DefaultStatsInterval
	}
	if o.FirstRetryDelay == 0 {
		o.FirstRetryDelay = DefaultFirstRetryDelay
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = DefaultRetryInterval
	}
}

// validate checks what every attempt needs before any I/O happens.
func (o *Options) validate(role domain.Role) error {
	var missing []error
	if o.StreamName == "" {
		missing = append(missing, errors.New("stream name is required"))
	}
	if o.Credentials.EndpointURL == "" {
		missing = append(missing, errors.New("endpoint url is required"))
	}
	switch role {
	case domain.RolePublish:
		if o.Credentials.Token == "" {
			missing = append(missing, errors.New("publish token is required"))
		}
	case domain.RoleSubscribe:
		if o.Credentials.AccountID == "" {
			missing = append(missing, errors.New("account id is required"))
		}
	}
	if o.Authenticator == nil || o.NewSignaler == nil || o.NewTransport == nil {
		missing = append(missing, errors.New("authenticator, signaler and transport factories are required"))
	}
	if len(missing) > 0 {
		return domain.NewError(domain.KindConfiguration, role.String(), errors.Join(missing...))
	}
	return nil
}
