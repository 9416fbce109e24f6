package session

import (
	"errors"

	"mcstream/native/internal/domain"
	"mcstream/native/internal/projection"
)

// Subscriber receives a stream and projects its secondary sources.
type Subscriber struct {
	*core
}

// NewSubscriber creates an idle subscriber.
func NewSubscriber(opts Options) *Subscriber {
	s := &Subscriber{}
	s.core = newCore(domain.RoleSubscribe, s, opts, nil)

	timeout := s.opts.ProjectionTimeout
	if timeout == 0 {
		timeout = projection.DefaultTimeout
	}
	s.resolver = projection.New(projection.Deps{
		AddSlot:     s.addSlot,
		Renegotiate: s.renegotiateCurrent,
		Send:        s.send,
		OnError:     s.report,
		Schedule:    s.schedule,
		Timeout:     timeout,
		Logger:      s.opts.LoggerFactory.NewLogger("projection"),
	})
	return s
}

// Subscribe starts a subscribe attempt. While the stream is not found the
// attempt is retried until UnSubscribe; an authorization failure is final.
func (s *Subscriber) Subscribe() error {
	return s.begin()
}

// UnSubscribe unprojects every active source, tears the session down and
// cancels a pending retry. It is safe to call at any time.
func (s *Subscriber) UnSubscribe() {
	s.loop.post(func() { s.stop(true) })
}

// SelectLayer asks the server for a simulcast layer. Failure does not end
// the session.
func (s *Subscriber) SelectLayer(layer domain.LayerSelection) error {
	var err error
	if !s.loop.do(func() {
		err = s.send(domain.EventSelect, domain.SelectRequest{Layer: layer})
	}) {
		return domain.ErrClosed
	}
	if err != nil {
		s.log.Warnf("select layer: %v", err)
	}
	return err
}

// Project queues a source for projection as if the server had announced it.
func (s *Subscriber) Project(sourceID string, tracks []domain.TrackAnnouncement) {
	s.loop.post(func() {
		if s.cur != nil && s.cur.connected {
			s.resolver.Activate(sourceID, tracks)
		}
	})
}

// Unproject releases a projected source.
func (s *Subscriber) Unproject(sourceID string) {
	s.loop.post(func() { s.resolver.Deactivate(sourceID) })
}

// Projections returns the currently projected sources.
func (s *Subscriber) Projections() []projection.Projection {
	var out []projection.Projection
	s.loop.do(func() { out = s.resolver.Active() })
	return out
}

func (s *Subscriber) addSlot(kind domain.MediaKind) (domain.Slot, error) {
	if s.cur == nil || s.cur.transport == nil {
		return nil, domain.ErrNotConnected
	}
	return s.cur.transport.AddReceiveSlot(kind)
}

func (s *Subscriber) renegotiateCurrent() {
	if s.cur != nil {
		s.requestRenegotiation(s.cur)
	}
}

func (s *Subscriber) prepare(t domain.Transport) error {
	for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
		if _, err := t.AddReceiveSlot(kind); err != nil {
			return err
		}
	}
	return nil
}

func (s *Subscriber) command(desc domain.SessionDescription) (domain.Event, any) {
	return domain.EventSubscribe, domain.ViewRequest{
		StreamID: s.opts.StreamName,
		SDP:      desc.SDP,
		Events:   domain.SubscribeEvents,
	}
}

// retryable: everything but an authorization or configuration failure is
// treated as the stream not being live yet.
func (s *Subscriber) retryable(err error) bool {
	return !errors.Is(err, domain.ErrUnauthorized) && domain.KindOf(err) != domain.KindConfiguration
}

func (s *Subscriber) waitingState() State { return StateAwaitingOffer }

func (s *Subscriber) final() {
	s.resolver.UnprojectAll()
}
