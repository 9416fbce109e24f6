package webrtc

import (
	"fmt"
	"io"

	"mcstream/native/internal/domain"

	"github.com/pion/logging"
	"github.com/pion/rtp/codecs"
)

const (
	naluTypeMask = 0x1f
	fuaNALUType  = 28
	fuStartBit   = 0x80
	fuEndBit     = 0x40
)

// H264Depacketizer turns RTP H264 payloads into Annex-B. It tracks sequence
// numbers so an FU-A chain with a lost packet is dropped instead of emitted
// corrupt.
type H264Depacketizer struct {
	pkt     *codecs.H264Packet
	lastSeq uint16
	primed  bool
	inFU    bool
}

// NewH264Depacketizer creates a new depacketizer with its own reassembly buffer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{pkt: &codecs.H264Packet{}}
}

// Depacketize returns the Annex-B bytes completed by this packet, or nil.
func (d *H264Depacketizer) Depacketize(seq uint16, payload []byte) []byte {
	gap := d.primed && seq != d.lastSeq+1
	d.lastSeq, d.primed = seq, true

	if len(payload) == 0 {
		return nil
	}
	if gap && d.inFU {
		d.reset()
	}

	if payload[0]&naluTypeMask == fuaNALUType {
		if len(payload) < 2 {
			return nil
		}
		switch {
		case payload[1]&fuStartBit != 0:
			d.reset()
			d.inFU = true
		case !d.inFU:
			// Middle or end of a chain whose start we never saw.
			return nil
		}
		if payload[1]&fuEndBit != 0 {
			d.inFU = false
		}
	} else if d.inFU {
		d.reset()
	}

	out, err := d.pkt.Unmarshal(payload)
	if err != nil || len(out) == 0 {
		return nil
	}
	return out
}

func (d *H264Depacketizer) reset() {
	d.pkt = &codecs.H264Packet{}
	d.inFU = false
}

// WriteH264 copies an H264 remote track to w as Annex-B until the track ends.
func WriteH264(track domain.RemoteTrack, w io.Writer, log logging.LeveledLogger) error {
	log.Infof("reading H264 track %s", track.ID())

	depack := NewH264Depacketizer()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}

		if nalus := depack.Depacketize(pkt.SequenceNumber, pkt.Payload); nalus != nil {
			if _, err := w.Write(nalus); err != nil {
				return fmt.Errorf("write h264: %w", err)
			}
		}
	}
}
