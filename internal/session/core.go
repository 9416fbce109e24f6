// Package session drives publish and subscribe sessions: authentication,
// signaling, the description exchange and renegotiation.
//
// Every state change happens on one event loop goroutine. Signaling and
// transport callbacks post closures to it, tagged with the attempt they
// belong to, so callbacks from a torn-down attempt are dropped.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mcstream/native/internal/domain"
	"mcstream/native/internal/metrics"
	"mcstream/native/internal/munge"
	"mcstream/native/internal/projection"
	"mcstream/native/internal/signal"
	"mcstream/native/internal/stats"

	"github.com/pion/logging"
)

// role is what distinguishes a publisher from a subscriber.
type role interface {
	// prepare runs on a fresh transport before signaling opens.
	prepare(t domain.Transport) error
	// command builds the top-level command carrying the local description.
	command(desc domain.SessionDescription) (domain.Event, any)
	// retryable reports whether a failed authentication is retried.
	retryable(err error) bool
	waitingState() State
	// final sends the best-effort leave command of a connected session.
	final()
}

// attempt is one Authenticating..Connected run.
type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc

	signaler  domain.Signaler
	transport domain.Transport

	localReady    bool
	sent          bool
	awaiting      bool
	connected     bool
	renegotiating bool
}

type core struct {
	kind  domain.Role
	role  role
	opts  Options
	hooks Hooks
	log   logging.LeveledLogger
	loop  *loop
	// notify runs hooks in order, off the loop, so a hook may call back
	// into the session.
	notify *loop

	localHook  munge.Hook
	remoteHook munge.Hook

	// Owned by the loop.
	cur       *attempt
	resolver  *projection.Resolver
	retries   int
	stopRetry func()

	state    atomic.Int32
	closed   atomic.Bool
	chMu     sync.Mutex
	channels domain.ChannelSnapshot
}

func newCore(kind domain.Role, r role, opts Options, local munge.Hook) *core {
	opts.setDefaults()

	remote := munge.Hook(munge.Identity)
	if opts.LegacyAV1 {
		local = munge.Chain(local, munge.RenameCodec("AV1X", "AV1"))
		remote = munge.RenameCodec("AV1", "AV1X")
	}

	return &core{
		kind:       kind,
		role:       r,
		opts:       opts,
		hooks:      opts.Hooks,
		log:        opts.LoggerFactory.NewLogger("session"),
		loop:       newLoop(),
		notify:     newLoop(),
		localHook:  munge.Chain(local),
		remoteHook: remote,
		channels:   domain.ChannelSnapshot{Channels: stats.DefaultChannels},
	}
}

// State returns the current negotiation state.
func (c *core) State() State { return State(c.state.Load()) }

// Channels returns the last inbound audio channel layout.
func (c *core) Channels() domain.ChannelSnapshot {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	snap := c.channels
	snap.ChannelMap = append([]int(nil), snap.ChannelMap...)
	if len(snap.ChannelMap) == 0 {
		snap.ChannelMap = nil
	}
	return snap
}

// Close tears the session down and stops its event loop.
func (c *core) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.loop.do(func() { c.stop(true) })
	c.loop.stop()
	c.notify.stop()
	return nil
}

func (c *core) emit(fn func()) {
	c.notify.post(fn)
}

// begin validates synchronously and starts a fresh attempt on the loop.
func (c *core) begin() error {
	if c.closed.Load() {
		return domain.ErrClosed
	}
	if err := c.opts.validate(c.kind); err != nil {
		return err
	}
	c.loop.post(func() {
		c.cancelRetry()
		c.retries = 0
		c.start()
	})
	return nil
}

func (c *core) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old != s {
		c.log.Debugf("%s -> %s", old, s)
	}
}

// post runs fn on the loop if a is still the current attempt.
func (c *core) post(a *attempt, fn func()) {
	c.loop.post(func() {
		if c.cur == a {
			fn()
		}
	})
}

// schedule runs fn on the loop after d unless the returned stop is called
// first. stop must be called on the loop.
func (c *core) schedule(d time.Duration, fn func()) func() {
	cancelled := false
	t := time.AfterFunc(d, func() {
		c.loop.post(func() {
			if !cancelled {
				fn()
			}
		})
	})
	return func() {
		cancelled = true
		t.Stop()
	}
}

func (c *core) start() {
	c.discard()

	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{ctx: ctx, cancel: cancel}
	c.cur = a
	c.setState(StateAuthenticating)

	streamName, creds := c.opts.StreamName, c.opts.Credentials
	go func() {
		conn, err := c.opts.Authenticator.Authenticate(ctx, streamName, creds)
		c.post(a, func() { c.onAuthenticated(a, conn, err) })
	}()
}

func (c *core) onAuthenticated(a *attempt, conn *domain.Connection, err error) {
	if err != nil {
		if a.ctx.Err() != nil {
			return
		}
		c.authFailed(a, err)
		return
	}

	tr, err := c.opts.NewTransport(domain.TransportConfig{Role: c.kind, ICEServers: conn.ICEServers}, &transportEvents{c: c, a: a})
	if err != nil {
		c.fail(a, domain.NewError(domain.KindNegotiation, "create transport", err))
		return
	}
	a.transport = tr

	if err := c.role.prepare(tr); err != nil {
		c.fail(a, domain.NewError(domain.KindNegotiation, "prepare transport", err))
		return
	}

	a.signaler = c.opts.NewSignaler(conn.SignalingURL, conn.SignalingToken, &signalHandler{c: c, a: a})
	sig := a.signaler
	go func() {
		if err := sig.Connect(a.ctx); err != nil {
			c.post(a, func() { c.fail(a, domain.NewError(domain.KindTransport, "connect signaling", err)) })
		}
	}()
}

func (c *core) authFailed(a *attempt, err error) {
	c.cur = nil
	c.teardown(a)

	if !c.role.retryable(err) || c.closed.Load() {
		c.setState(StateFailed)
		c.report(err)
		c.setState(StateIdle)
		return
	}

	delay := c.opts.RetryInterval
	if c.retries == 0 {
		delay = c.opts.FirstRetryDelay
		c.report(err)
	} else {
		c.log.Debugf("stream %q still unavailable, retrying in %s", c.opts.StreamName, delay)
	}
	c.retries++
	metrics.AuthRetriesTotal.Inc()
	c.setState(StateIdle)
	c.stopRetry = c.schedule(delay, c.start)
}

func (c *core) onOpen(a *attempt) {
	c.setState(StateSignalingOpen)
	c.offer(a)
}

func (c *core) onNegotiationNeeded(a *attempt) {
	if a.transport == nil {
		return
	}
	if a.connected {
		c.requestRenegotiation(a)
		return
	}
	c.offer(a)
}

// offer creates and applies the local description once per attempt, then
// tries to send it.
func (c *core) offer(a *attempt) {
	if !a.localReady {
		desc, err := a.transport.CreateOffer()
		if err == nil {
			desc, err = c.localHook(desc)
		}
		if err == nil {
			err = a.transport.SetLocalDescription(desc)
		}
		if err != nil {
			c.fail(a, domain.NewError(domain.KindNegotiation, "local description", err))
			return
		}
		a.localReady = true
	}
	c.sendLocal(a)
}

// sendLocal sends the applied local description at most once per attempt.
func (c *core) sendLocal(a *attempt) {
	if a.sent || !a.localReady || a.signaler == nil || !a.signaler.IsConnected() {
		return
	}
	desc := a.transport.LocalDescription()
	if desc == nil {
		return
	}

	a.sent = true
	e, data := c.role.command(*desc)
	if err := a.signaler.Send(e, data); err != nil {
		c.fail(a, domain.NewError(domain.KindTransport, "send description", err))
		return
	}
	a.awaiting = true
	c.setState(c.role.waitingState())
}

func (c *core) onResponse(a *attempt, data json.RawMessage) {
	if !a.awaiting {
		c.log.Debugf("ignoring response with no description outstanding")
		return
	}
	a.awaiting = false

	var resp domain.ResponseData
	if err := json.Unmarshal(data, &resp); err != nil {
		c.fail(a, domain.NewError(domain.KindProtocol, "response", err))
		return
	}
	if resp.SDP == "" {
		c.fail(a, domain.NewError(domain.KindProtocol, "response", errors.New("response carries no description")))
		return
	}

	desc, err := c.remoteHook(domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: resp.SDP})
	if err == nil {
		err = a.transport.SetRemoteDescription(desc)
	}
	if err != nil {
		c.fail(a, domain.NewError(domain.KindNegotiation, "remote description", err))
		return
	}
	c.setState(StateDescriptionExchanged)

	a.connected = true
	c.retries = 0
	c.setState(StateConnected)
	metrics.SessionsConnectedTotal.WithLabelValues(c.kind.String()).Inc()
	c.log.Infof("%s session for %q connected", c.kind, c.opts.StreamName)
	if h := c.hooks.OnConnected; h != nil {
		c.emit(h)
	}

	if c.kind == domain.RoleSubscribe {
		go c.pollStats(a)
	}
}

// requestRenegotiation coalesces renegotiation requests made while one is
// already queued.
func (c *core) requestRenegotiation(a *attempt) {
	if a.renegotiating {
		return
	}
	a.renegotiating = true
	c.post(a, func() {
		a.renegotiating = false
		c.renegotiate(a)
	})
}

// renegotiate applies a new local offer and the answer derived from the
// current remote description. No command is sent to the server.
func (c *core) renegotiate(a *attempt) {
	if !a.connected {
		return
	}
	prev := a.transport.RemoteDescription()
	if prev == nil {
		return
	}

	err := func() error {
		offer, err := a.transport.CreateOffer()
		if err != nil {
			return err
		}
		if offer, err = c.localHook(offer); err != nil {
			return err
		}
		if err := a.transport.SetLocalDescription(offer); err != nil {
			return err
		}
		answer, err := munge.Renegotiate(offer, *prev)
		if err != nil {
			return err
		}
		return a.transport.SetRemoteDescription(answer)
	}()
	if err != nil {
		metrics.RenegotiationsTotal.WithLabelValues("failed").Inc()
		c.fail(a, domain.NewError(domain.KindNegotiation, "renegotiate", err))
		return
	}
	metrics.RenegotiationsTotal.WithLabelValues("ok").Inc()
}

func (c *core) pollStats(a *attempt) {
	ticker := time.NewTicker(c.opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			c.post(a, func() { c.refreshChannels(a) })
		}
	}
}

func (c *core) refreshChannels(a *attempt) {
	fmtp, ok := a.transport.InboundAudioFmtp()
	if !ok {
		return
	}
	snap := stats.ParseChannelMapping(fmtp)
	metrics.InboundAudioChannels.Set(float64(snap.Channels))

	c.chMu.Lock()
	c.channels = snap
	c.chMu.Unlock()
}

func (c *core) send(e domain.Event, data any) error {
	a := c.cur
	if a == nil || a.signaler == nil {
		return fmt.Errorf("send %s: %w", e, domain.ErrNotConnected)
	}
	return a.signaler.Send(e, data)
}

// fail ends the attempt and reports err.
func (c *core) fail(a *attempt, err error) {
	if c.cur != a {
		return
	}
	c.cur = nil
	c.teardown(a)
	c.setState(StateFailed)
	c.report(err)
	c.setState(StateIdle)
}

func (c *core) report(err error) {
	kind := domain.KindOf(err)
	metrics.ConnectionErrorsTotal.WithLabelValues(kind.String()).Inc()
	c.log.Errorf("%v", err)
	if h := c.hooks.OnConnectionError; h != nil {
		c.emit(func() { h(err) })
	}
}

// stop ends the current attempt and any pending retry. With sendFinal a
// connected session first tells the server it is leaving.
func (c *core) stop(sendFinal bool) {
	c.cancelRetry()
	a := c.cur
	if a == nil {
		c.setState(StateIdle)
		return
	}
	if sendFinal && a.connected {
		c.role.final()
	}
	c.cur = nil
	c.teardown(a)
	c.setState(StateIdle)
}

// discard drops the current attempt without reporting anything.
func (c *core) discard() {
	if a := c.cur; a != nil {
		c.cur = nil
		c.teardown(a)
	}
}

func (c *core) teardown(a *attempt) {
	a.cancel()
	if a.signaler != nil {
		if err := a.signaler.Disconnect(); err != nil {
			c.log.Debugf("disconnect: %v", err)
		}
	}
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			c.log.Debugf("close transport: %v", err)
		}
	}
	if c.resolver != nil {
		c.resolver.Reset()
	}
}

func (c *core) cancelRetry() {
	if c.stopRetry != nil {
		c.stopRetry()
		c.stopRetry = nil
	}
}

// signalHandler forwards signaling notifications to the loop.
type signalHandler struct {
	c *core
	a *attempt
}

func (h *signalHandler) OnOpen() {
	h.c.post(h.a, func() { h.c.onOpen(h.a) })
}

func (h *signalHandler) OnClose(reason string) {
	h.c.post(h.a, func() {
		h.c.fail(h.a, domain.NewError(domain.KindTransport, "signaling", fmt.Errorf("connection closed: %s", reason)))
	})
}

func (h *signalHandler) OnError(err error) {
	h.c.post(h.a, func() { h.c.onSignalError(h.a, err) })
}

func (h *signalHandler) OnEvent(e domain.Event, data json.RawMessage) {
	h.c.post(h.a, func() { h.c.onEvent(h.a, e, data) })
}

// onSignalError: a server error answering our description ends the attempt;
// anything else is reported and the channel stays open.
func (c *core) onSignalError(a *attempt, err error) {
	var serverErr *signal.ServerError
	if errors.As(err, &serverErr) && a.awaiting {
		a.awaiting = false
		c.fail(a, domain.NewError(domain.KindNegotiation, "description exchange", err))
		return
	}
	if domain.KindOf(err) == 0 {
		err = domain.NewError(domain.KindProtocol, "signaling", err)
	}
	c.report(err)
}

func (c *core) onEvent(a *attempt, e domain.Event, data json.RawMessage) {
	switch e {
	case domain.EventResponse:
		c.onResponse(a, data)

	case domain.EventActive:
		var ev domain.ActiveEvent
		if !c.decode(e, data, &ev) {
			return
		}
		sourceID := domain.SourceName(ev.SourceID)
		c.log.Infof("source %q active with %d tracks", sourceID, len(ev.Tracks))
		if h := c.hooks.OnSourceActive; h != nil {
			c.emit(func() { h(sourceID, ev.Tracks) })
		}
		if c.resolver != nil && ev.SourceID != nil {
			c.resolver.Activate(sourceID, ev.Tracks)
		}

	case domain.EventInactive:
		var ev domain.InactiveEvent
		if !c.decode(e, data, &ev) {
			return
		}
		sourceID := domain.SourceName(ev.SourceID)
		c.log.Infof("source %q inactive", sourceID)
		if h := c.hooks.OnSourceInactive; h != nil {
			c.emit(func() { h(sourceID) })
		}
		if c.resolver != nil && ev.SourceID != nil {
			c.resolver.Deactivate(sourceID)
		}

	case domain.EventViewerCount:
		var ev domain.ViewerCountEvent
		if !c.decode(e, data, &ev) {
			return
		}
		metrics.ViewerCount.Set(float64(ev.ViewerCount))
		if h := c.hooks.OnViewerCount; h != nil {
			c.emit(func() { h(ev.ViewerCount) })
		}

	case domain.EventLayers:
		var ev domain.LayersEvent
		if !c.decode(e, data, &ev) {
			return
		}
		if info, ok := ev.Medias["0"]; ok && c.hooks.OnSimulcastLayers != nil {
			h := c.hooks.OnSimulcastLayers
			c.emit(func() { h(info) })
		}

	case domain.EventStopped:
		c.log.Infof("stream %q stopped", c.opts.StreamName)
		if h := c.hooks.OnStopped; h != nil {
			c.emit(h)
		}

	case domain.EventVad:
		c.log.Debugf("vad: %s", string(data))

	default:
		c.report(domain.NewError(domain.KindProtocol, "dispatch", fmt.Errorf("unexpected %s", e)))
	}
}

func (c *core) decode(e domain.Event, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		c.report(domain.NewError(domain.KindProtocol, "decode "+e.String(), err))
		return false
	}
	return true
}

// transportEvents forwards transport notifications to the loop.
type transportEvents struct {
	c *core
	a *attempt
}

func (t *transportEvents) OnNegotiationNeeded() {
	t.c.post(t.a, func() { t.c.onNegotiationNeeded(t.a) })
}

func (t *transportEvents) OnSlotIdentity(slot domain.Slot, mid string) {
	t.c.post(t.a, func() {
		if t.c.resolver != nil {
			t.c.resolver.SlotResolved(slot, mid)
		}
	})
}

func (t *transportEvents) OnRemoteTrack(slot domain.Slot, track domain.RemoteTrack) {
	t.c.post(t.a, func() {
		sourceID := ""
		if t.c.resolver != nil {
			sourceID, _ = t.c.resolver.SourceOf(slot)
		}
		t.c.log.Infof("remote %s track %s ready for source %q", slot.Kind(), track.ID(), sourceID)
		if h := t.c.hooks.OnRemoteTrackReady; h != nil {
			t.c.emit(func() { h(sourceID, slot.Kind(), track) })
		}
	})
}

func (t *transportEvents) OnConnectionState(state string) {
	t.c.post(t.a, func() {
		if state == "failed" {
			t.c.fail(t.a, domain.NewError(domain.KindTransport, "peer connection", errors.New("connection failed")))
		}
	})
}
