package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mcstream/native/internal/domain"
)

const waitTimeout = 2 * time.Second

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeAuth answers with a fixed connection, or with the next queued error.
type fakeAuth struct {
	mu    sync.Mutex
	errs  []error
	calls []time.Time
}

func (f *fakeAuth) Authenticate(ctx context.Context, streamName string, creds domain.Credentials) (*domain.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, time.Now())
	if len(f.errs) > 0 {
		err := f.errs[0]
		if len(f.errs) > 1 {
			f.errs = f.errs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	return &domain.Connection{SignalingURL: "wss://signal.test", SignalingToken: "jwt"}, nil
}

func (f *fakeAuth) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

type sentCmd struct {
	event domain.Event
	data  any
}

// fakeSignaler records commands. Tests push server messages through h.
type fakeSignaler struct {
	h            domain.SignalHandler
	connected    atomic.Bool
	disconnected atomic.Bool
	cmds         chan sentCmd
}

func (s *fakeSignaler) Connect(ctx context.Context) error {
	s.connected.Store(true)
	s.h.OnOpen()
	return nil
}

func (s *fakeSignaler) Disconnect() error {
	s.connected.Store(false)
	s.disconnected.Store(true)
	return nil
}

func (s *fakeSignaler) IsConnected() bool { return s.connected.Load() }

func (s *fakeSignaler) Send(e domain.Event, data any) error {
	if !s.connected.Load() {
		return fmt.Errorf("send %s: %w", e, domain.ErrNotConnected)
	}
	s.cmds <- sentCmd{e, data}
	return nil
}

func (s *fakeSignaler) event(t *testing.T, e domain.Event, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	s.h.OnEvent(e, raw)
}

func (s *fakeSignaler) next(t *testing.T, want domain.Event) any {
	t.Helper()
	cmd := recv(t, s.cmds)
	if cmd.event != want {
		t.Fatalf("expected %s command, got %s (%+v)", want, cmd.event, cmd.data)
	}
	return cmd.data
}

type fakeSlot struct {
	kind domain.MediaKind
	send bool
	mid  string
}

func (s *fakeSlot) Kind() domain.MediaKind { return s.kind }
func (s *fakeSlot) Mid() string            { return s.mid }

// fakeTransport produces parseable descriptions with one section per slot
// and assigns mids in slot order when a remote description is applied.
type fakeTransport struct {
	events domain.TransportEvents

	mu        sync.Mutex
	slots     []*fakeSlot
	local     *domain.SessionDescription
	remote    *domain.SessionDescription
	remotes   []domain.SessionDescription
	version   int
	fmtp      string
	closed    bool
	remoteErr error
}

func newFakeTransport(cfg domain.TransportConfig, events domain.TransportEvents) *fakeTransport {
	t := &fakeTransport{events: events}
	if cfg.Role == domain.RolePublish {
		t.slots = []*fakeSlot{{kind: domain.MediaAudio, send: true}, {kind: domain.MediaVideo, send: true}}
	}
	return t
}

func (t *fakeTransport) AddReceiveSlot(kind domain.MediaKind) (domain.Slot, error) {
	t.mu.Lock()
	s := &fakeSlot{kind: kind}
	t.slots = append(t.slots, s)
	t.mu.Unlock()
	t.events.OnNegotiationNeeded()
	return s, nil
}

func (t *fakeTransport) CreateOffer() (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.version++
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: describe(t.slots, t.version, true)}, nil
}

func (t *fakeTransport) CreateAnswer() (domain.SessionDescription, error) {
	return domain.SessionDescription{}, fmt.Errorf("not used")
}

func (t *fakeTransport) SetLocalDescription(desc domain.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = &desc
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc domain.SessionDescription) error {
	t.mu.Lock()
	if t.remoteErr != nil {
		t.mu.Unlock()
		return t.remoteErr
	}
	t.remote = &desc
	t.remotes = append(t.remotes, desc)
	var fresh []*fakeSlot
	for i, s := range t.slots {
		if s.mid == "" {
			s.mid = strconv.Itoa(i)
			fresh = append(fresh, s)
		}
	}
	t.mu.Unlock()

	for _, s := range fresh {
		t.events.OnSlotIdentity(s, s.mid)
	}
	return nil
}

func (t *fakeTransport) LocalDescription() *domain.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *fakeTransport) RemoteDescription() *domain.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *fakeTransport) InboundAudioFmtp() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fmtp, t.fmtp != ""
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) slotCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// describe renders an offer (or the server's answer) for slots.
func describe(slots []*fakeSlot, version int, offer bool) string {
	lines := []string{
		"v=0",
		fmt.Sprintf("o=- 1000 %d IN IP4 127.0.0.1", version),
		"s=-",
		"t=0 0",
	}
	for i, s := range slots {
		dir := "recvonly"
		if s.send == offer {
			dir = "sendonly"
		}
		switch s.kind {
		case domain.MediaAudio:
			lines = append(lines,
				"m=audio 9 UDP/TLS/RTP/SAVPF 111",
				"c=IN IP4 0.0.0.0",
				"a=mid:"+strconv.Itoa(i),
				"a="+dir,
				"a=rtpmap:111 opus/48000/2",
				"a=fmtp:111 minptime=10;useinbandfec=1",
			)
		default:
			lines = append(lines,
				"m=video 9 UDP/TLS/RTP/SAVPF 96 45",
				"c=IN IP4 0.0.0.0",
				"a=mid:"+strconv.Itoa(i),
				"a="+dir,
				"a=rtpmap:96 VP8/90000",
				"a=rtpmap:45 AV1/90000",
			)
		}
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

func serverAnswer(send bool) domain.ResponseData {
	slots := []*fakeSlot{{kind: domain.MediaAudio, send: send}, {kind: domain.MediaVideo, send: send}}
	return domain.ResponseData{SDP: describe(slots, 1, false), StreamID: "acct/demo"}
}

// recorder collects hook calls.
type recorder struct {
	connected chan struct{}
	errs      chan error
	viewers   chan int
	active    chan string
	inactive  chan string
	layers    chan domain.SimulcastInfo
	tracks    chan string
	stopped   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		connected: make(chan struct{}, 8),
		errs:      make(chan error, 8),
		viewers:   make(chan int, 8),
		active:    make(chan string, 8),
		inactive:  make(chan string, 8),
		layers:    make(chan domain.SimulcastInfo, 8),
		tracks:    make(chan string, 8),
		stopped:   make(chan struct{}, 8),
	}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnConnected:       func() { r.connected <- struct{}{} },
		OnConnectionError: func(err error) { r.errs <- err },
		OnViewerCount:     func(n int) { r.viewers <- n },
		OnSourceActive:    func(id string, _ []domain.TrackAnnouncement) { r.active <- id },
		OnSourceInactive:  func(id string) { r.inactive <- id },
		OnSimulcastLayers: func(info domain.SimulcastInfo) { r.layers <- info },
		OnRemoteTrackReady: func(id string, kind domain.MediaKind, _ domain.RemoteTrack) {
			r.tracks <- id + "/" + string(kind)
		},
		OnStopped: func() { r.stopped <- struct{}{} },
	}
}

// env wires fakes into Options and exposes what the session created.
type env struct {
	auth       *fakeAuth
	rec        *recorder
	signalers  chan *fakeSignaler
	transports chan *fakeTransport
}

func newEnv() *env {
	return &env{
		auth:       &fakeAuth{},
		rec:        newRecorder(),
		signalers:  make(chan *fakeSignaler, 8),
		transports: make(chan *fakeTransport, 8),
	}
}

func (e *env) options(role domain.Role) Options {
	creds := domain.Credentials{AccountID: "acct", EndpointURL: "https://director.test", Token: "tok"}
	return Options{
		StreamName:    "demo",
		Credentials:   creds,
		Authenticator: e.auth,
		NewSignaler: func(url, token string, h domain.SignalHandler) domain.Signaler {
			s := &fakeSignaler{h: h, cmds: make(chan sentCmd, 32)}
			e.signalers <- s
			return s
		},
		NewTransport: func(cfg domain.TransportConfig, events domain.TransportEvents) (domain.Transport, error) {
			if cfg.Role != role {
				return nil, fmt.Errorf("transport built for %s", cfg.Role)
			}
			t := newFakeTransport(cfg, events)
			e.transports <- t
			return t, nil
		},
		Hooks:           e.rec.hooks(),
		StatsInterval:   10 * time.Millisecond,
		FirstRetryDelay: 20 * time.Millisecond,
		RetryInterval:   40 * time.Millisecond,
	}
}
