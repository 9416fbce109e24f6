package webrtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mcstream/native/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
)

// DefaultGatherTimeout bounds the wait for local candidates before the
// first description is handed out. The signaling protocol has no trickle.
const DefaultGatherTimeout = 3 * time.Second

// Options configure transports built by NewFactory.
type Options struct {
	LoggerFactory logging.LoggerFactory
	// Tracks are sent when publishing.
	Tracks []pion.TrackLocal
	// Codec restricts the video codecs offered when publishing (vp8, vp9,
	// h264, av1). Empty keeps the engine defaults.
	Codec         string
	GatherTimeout time.Duration
}

// NewFactory returns a TransportFactory building pion peers.
func NewFactory(opts Options) domain.TransportFactory {
	return func(cfg domain.TransportConfig, events domain.TransportEvents) (domain.Transport, error) {
		return NewPeer(cfg, events, opts)
	}
}

// Slot is a pion transceiver seen as a send or receive slot.
type Slot struct {
	tr   *pion.RTPTransceiver
	kind domain.MediaKind
}

// Kind is the media kind the slot was created for.
func (s *Slot) Kind() domain.MediaKind { return s.kind }

// Mid is the negotiated media id, empty until a description assigns one.
func (s *Slot) Mid() string { return s.tr.Mid() }

type remoteTrack struct {
	*pion.TrackRemote
}

func (t remoteTrack) MimeType() string { return t.Codec().MimeType }

// Peer wraps a pion PeerConnection as a domain.Transport.
type Peer struct {
	pc      *pion.PeerConnection
	events  domain.TransportEvents
	log     logging.LeveledLogger
	gather  time.Duration
	gatherd bool

	mu       sync.Mutex
	slots    map[*pion.RTPTransceiver]*Slot
	reported map[*Slot]bool
}

// NewPeer creates a PeerConnection with the default codecs, NACK handling
// and RTCP reports. Publishing peers get a send transceiver per track.
func NewPeer(cfg domain.TransportConfig, events domain.TransportEvents, opts Options) (*Peer, error) {
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if opts.GatherTimeout == 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}

	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)

	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}

	se := pion.SettingEngine{LoggerFactory: opts.LoggerFactory}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	var servers []pion.ICEServer
	for _, s := range cfg.ICEServers {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:       pc,
		events:   events,
		log:      opts.LoggerFactory.NewLogger("webrtc"),
		gather:   opts.GatherTimeout,
		slots:    make(map[*pion.RTPTransceiver]*Slot),
		reported: make(map[*Slot]bool),
	}

	pc.OnNegotiationNeeded(events.OnNegotiationNeeded)
	pc.OnTrack(p.onTrack)
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Debugf("ICE connection state: %s", state)
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Infof("peer connection state: %s", state)
		events.OnConnectionState(state.String())
	})

	if cfg.Role == domain.RolePublish {
		if err := p.addSendTracks(opts.Tracks, opts.Codec); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	return p, nil
}

func (p *Peer) addSendTracks(tracks []pion.TrackLocal, codec string) error {
	for _, track := range tracks {
		tr, err := p.pc.AddTransceiverFromTrack(track, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", track.Kind(), err)
		}
		p.track(tr, kindOf(track.Kind()))

		if track.Kind() == pion.RTPCodecTypeVideo && codec != "" {
			prefs := preferCodec(tr.Sender().GetParameters().Codecs, codec)
			if len(prefs) == 0 {
				return fmt.Errorf("codec %q is not supported", codec)
			}
			if err := tr.SetCodecPreferences(prefs); err != nil {
				return fmt.Errorf("set codec preferences: %w", err)
			}
		}
	}
	return nil
}

// preferCodec keeps the chosen codec and the redundancy codecs, in the
// engine's order.
func preferCodec(all []pion.RTPCodecParameters, codec string) []pion.RTPCodecParameters {
	var chosen, redundancy []pion.RTPCodecParameters
	for _, c := range all {
		name := strings.TrimPrefix(strings.ToLower(c.MimeType), "video/")
		switch name {
		case strings.ToLower(codec):
			chosen = append(chosen, c)
		case "red", "rtx", "ulpfec":
			redundancy = append(redundancy, c)
		}
	}
	if len(chosen) == 0 {
		return nil
	}
	return append(chosen, redundancy...)
}

func (p *Peer) onTrack(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
	codec := track.Codec()
	p.log.Infof("got track: kind=%s codec=%s pt=%d", track.Kind(), codec.MimeType, codec.PayloadType)

	var slot *Slot
	for _, tr := range p.pc.GetTransceivers() {
		if tr.Receiver() == receiver {
			slot = p.track(tr, kindOf(track.Kind()))
			break
		}
	}
	if slot == nil {
		p.log.Warnf("track %s has no transceiver", track.ID())
		return
	}
	p.events.OnRemoteTrack(slot, remoteTrack{track})
}

// track returns the slot for tr, creating it on first sight.
func (p *Peer) track(tr *pion.RTPTransceiver, kind domain.MediaKind) *Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.slots[tr]; ok {
		return s
	}
	s := &Slot{tr: tr, kind: kind}
	p.slots[tr] = s
	return s
}

// AddReceiveSlot adds a recvonly transceiver.
func (p *Peer) AddReceiveSlot(kind domain.MediaKind) (domain.Slot, error) {
	tr, err := p.pc.AddTransceiverFromKind(codecType(kind), pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
	}
	return p.track(tr, kind), nil
}

// CreateOffer creates an SDP offer without applying it.
func (p *Peer) CreateOffer() (domain.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return fromPion(offer), nil
}

// CreateAnswer creates an SDP answer without applying it.
func (p *Peer) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return fromPion(answer), nil
}

// SetLocalDescription applies desc. The first call waits for candidate
// gathering so the description handed to signaling carries candidates.
func (p *Peer) SetLocalDescription(desc domain.SessionDescription) error {
	var gathered <-chan struct{}
	if !p.gatherd {
		gathered = pion.GatheringCompletePromise(p.pc)
	}

	if err := p.pc.SetLocalDescription(toPion(desc)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	if gathered != nil {
		p.gatherd = true
		select {
		case <-gathered:
		case <-time.After(p.gather):
			p.log.Warnf("candidate gathering incomplete after %s", p.gather)
		}
	}
	p.log.Debugf("local %s set", desc.Type)
	return nil
}

// SetRemoteDescription applies desc and reports every slot whose mid
// became known.
func (p *Peer) SetRemoteDescription(desc domain.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(toPion(desc)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.log.Debugf("remote %s set", desc.Type)

	p.mu.Lock()
	var fresh []*Slot
	for _, tr := range p.pc.GetTransceivers() {
		s, ok := p.slots[tr]
		if !ok || p.reported[s] || tr.Mid() == "" {
			continue
		}
		p.reported[s] = true
		fresh = append(fresh, s)
	}
	p.mu.Unlock()

	for _, s := range fresh {
		p.events.OnSlotIdentity(s, s.Mid())
	}
	return nil
}

// LocalDescription returns the applied local description, or nil.
func (p *Peer) LocalDescription() *domain.SessionDescription {
	return fromPionPtr(p.pc.LocalDescription())
}

// RemoteDescription returns the applied remote description, or nil.
func (p *Peer) RemoteDescription() *domain.SessionDescription {
	return fromPionPtr(p.pc.RemoteDescription())
}

// InboundAudioFmtp returns the fmtp line of the codec carried by the
// inbound audio stream, once stats report one.
func (p *Peer) InboundAudioFmtp() (string, bool) {
	report := p.pc.GetStats()
	for _, s := range report {
		in, ok := s.(pion.InboundRTPStreamStats)
		if !ok || in.Kind != string(domain.MediaAudio) || in.CodecID == "" {
			continue
		}
		if codec, ok := report[in.CodecID].(pion.CodecStats); ok {
			return codec.SDPFmtpLine, true
		}
	}
	return "", false
}

// Close shuts down the PeerConnection.
func (p *Peer) Close() error {
	if err := p.pc.Close(); err != nil && !errors.Is(err, pion.ErrConnectionClosed) {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func kindOf(t pion.RTPCodecType) domain.MediaKind {
	if t == pion.RTPCodecTypeAudio {
		return domain.MediaAudio
	}
	return domain.MediaVideo
}

func codecType(k domain.MediaKind) pion.RTPCodecType {
	if k == domain.MediaAudio {
		return pion.RTPCodecTypeAudio
	}
	return pion.RTPCodecTypeVideo
}

func toPion(desc domain.SessionDescription) pion.SessionDescription {
	return pion.SessionDescription{Type: pion.NewSDPType(string(desc.Type)), SDP: desc.SDP}
}

func fromPion(desc pion.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(desc.Type.String()), SDP: desc.SDP}
}

func fromPionPtr(desc *pion.SessionDescription) *domain.SessionDescription {
	if desc == nil {
		return nil
	}
	d := fromPion(*desc)
	return &d
}
