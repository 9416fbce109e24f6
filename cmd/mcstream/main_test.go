package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
)

type sampleRecorder struct {
	samples []media.Sample
	err     error
}

func (r *sampleRecorder) WriteSample(s media.Sample) error {
	if r.err != nil {
		return r.err
	}
	r.samples = append(r.samples, s)
	return nil
}

func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

func TestPump_PacesPerFrame(t *testing.T) {
	stream := annexB(
		[]byte{0x67, 0x42, 0xc0, 0x1f}, // SPS
		[]byte{0x68, 0xce, 0x3c, 0x80}, // PPS
		[]byte{0x65, 0x88, 0x84, 0x21}, // IDR slice
		[]byte{0x41, 0x9a, 0x22, 0x11}, // non-IDR slice
		[]byte{0x68, 0xce, 0x3c, 0x80}, // PPS
		[]byte{0x41, 0x9a, 0x24, 0x13}, // non-IDR slice
	)

	rec := &sampleRecorder{}
	paced := 0
	if err := pump(rec, bytes.NewReader(stream), func() { paced++ }); err != nil {
		t.Fatalf("pump: %v", err)
	}

	if paced != 3 {
		t.Errorf("paced %d times, want once per frame (3)", paced)
	}
	want := []struct {
		header   byte
		duration time.Duration
	}{
		{0x67, 0},
		{0x68, 0},
		{0x65, h264FrameDuration},
		{0x41, h264FrameDuration},
		{0x68, 0},
		{0x41, h264FrameDuration},
	}
	if len(rec.samples) != len(want) {
		t.Fatalf("wrote %d samples, want %d", len(rec.samples), len(want))
	}
	for i, w := range want {
		s := rec.samples[i]
		if s.Data[0] != w.header || s.Duration != w.duration {
			t.Errorf("sample %d: header %#x duration %s, want %#x %s", i, s.Data[0], s.Duration, w.header, w.duration)
		}
	}
}

func TestPump_StopsOnWriteError(t *testing.T) {
	boom := errors.New("track closed")
	rec := &sampleRecorder{err: boom}

	stream := annexB([]byte{0x65, 0x88, 0x84, 0x21})
	if err := pump(rec, bytes.NewReader(stream), func() {}); !errors.Is(err, boom) {
		t.Errorf("expected write error, got %v", err)
	}
}
