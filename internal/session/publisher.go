package session

import (
	"errors"
	"fmt"
	"strings"

	"mcstream/native/internal/domain"
	"mcstream/native/internal/munge"
)

// Video codecs a publisher may request.
var publishCodecs = map[string]bool{"vp8": true, "vp9": true, "h264": true, "av1": true}

// PublishOptions are publisher specific.
type PublishOptions struct {
	// Stereo and DTX add the matching opus parameters to the offer.
	Stereo bool
	DTX    bool
	// Codec is the requested video codec. Empty lets the server choose.
	Codec string
	// SourceID names this feed in a multi-source stream.
	SourceID string
}

// Publisher sends local media to a stream.
type Publisher struct {
	*core
	pub PublishOptions
}

// NewPublisher creates an idle publisher.
func NewPublisher(opts Options, pub PublishOptions) *Publisher {
	p := &Publisher{pub: pub}
	p.core = newCore(domain.RolePublish, p, opts, munge.OpusParams(pub.Stereo, pub.DTX))
	return p
}

// Publish starts a publish attempt. Configuration problems are returned
// before any I/O; everything later is reported through OnConnectionError.
func (p *Publisher) Publish() error {
	if p.pub.Codec != "" && !publishCodecs[strings.ToLower(p.pub.Codec)] {
		return domain.NewError(domain.KindConfiguration, "publish", fmt.Errorf("unsupported codec %q", p.pub.Codec))
	}
	return p.begin()
}

// UnPublish sends unpublish if connected and tears the session down. It is
// safe to call at any time.
func (p *Publisher) UnPublish() {
	p.loop.post(func() { p.stop(true) })
}

func (p *Publisher) prepare(domain.Transport) error { return nil }

func (p *Publisher) command(desc domain.SessionDescription) (domain.Event, any) {
	return domain.EventPublish, domain.PublishRequest{
		Name:     p.opts.StreamName,
		SDP:      desc.SDP,
		Events:   domain.PublishEvents,
		Codec:    strings.ToLower(p.pub.Codec),
		SourceID: p.pub.SourceID,
	}
}

func (p *Publisher) retryable(error) bool { return false }

func (p *Publisher) waitingState() State { return StateOfferPending }

func (p *Publisher) final() {
	if err := p.send(domain.EventUnpublish, nil); err != nil && !errors.Is(err, domain.ErrNotConnected) {
		p.log.Warnf("unpublish: %v", err)
	}
}
