package munge

import (
	"strings"
	"testing"

	"mcstream/native/internal/domain"

	"github.com/pion/sdp/v3"
)

func lines(l ...string) string {
	return strings.Join(l, "\r\n") + "\r\n"
}

var previousAnswer = lines(
	"v=0",
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"a=group:BUNDLE 0 1",
	"a=fingerprint:sha-256 AA:BB:CC",
	"m=audio 9 UDP/TLS/RTP/SAVPF 111",
	"c=IN IP4 0.0.0.0",
	"a=mid:0",
	"a=ice-ufrag:srv",
	"a=ice-pwd:srvpassword",
	"a=setup:passive",
	"a=sendonly",
	"a=rtpmap:111 opus/48000/2",
	"a=fmtp:111 minptime=10;useinbandfec=1",
	"a=ssrc:1111 cname:server",
	"m=video 9 UDP/TLS/RTP/SAVPF 96 45",
	"c=IN IP4 0.0.0.0",
	"a=mid:1",
	"a=ice-ufrag:srv",
	"a=ice-pwd:srvpassword",
	"a=setup:passive",
	"a=sendonly",
	"a=msid:stream video",
	"a=rtpmap:96 VP8/90000",
	"a=rtpmap:45 AV1/90000",
	"a=ssrc:2222 cname:server",
)

func offerWith(extra ...string) string {
	base := []string{
		"v=0",
		"o=- 99 3 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=mid:0",
		"a=recvonly",
		"a=rtpmap:111 opus/48000/2",
		"m=video 9 UDP/TLS/RTP/SAVPF 96 45",
		"c=IN IP4 0.0.0.0",
		"a=mid:1",
		"a=recvonly",
		"a=rtpmap:96 VP8/90000",
		"a=rtpmap:45 AV1/90000",
	}
	return lines(append(base, extra...)...)
}

func parse(t *testing.T, raw string) *sdp.SessionDescription {
	t.Helper()
	var s sdp.SessionDescription
	if err := s.Unmarshal([]byte(raw)); err != nil {
		t.Fatalf("parse: %v\n%s", err, raw)
	}
	return &s
}

func hasAttr(m *sdp.MediaDescription, key string) bool {
	_, ok := m.Attribute(key)
	return ok
}

func TestRenameCodec_ExactMatchOnly(t *testing.T) {
	desc := domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: previousAnswer}

	out, err := RenameCodec("AV1", "AV1X")(desc)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if !strings.Contains(out.SDP, "a=rtpmap:45 AV1X/90000") {
		t.Errorf("expected AV1X rtpmap:\n%s", out.SDP)
	}

	// Renaming twice must not compound.
	out, err = RenameCodec("AV1", "AV1X")(out)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if strings.Contains(out.SDP, "AV1XX") {
		t.Errorf("rename compounded:\n%s", out.SDP)
	}

	back, err := RenameCodec("AV1X", "AV1")(out)
	if err != nil {
		t.Fatalf("rename back: %v", err)
	}
	if !strings.Contains(back.SDP, "a=rtpmap:45 AV1/90000") {
		t.Errorf("expected AV1 rtpmap:\n%s", back.SDP)
	}
	if back.Type != domain.SDPTypeAnswer {
		t.Errorf("type changed to %s", back.Type)
	}
}

func TestOpusParams(t *testing.T) {
	desc := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: previousAnswer}

	out, err := OpusParams(true, true)(desc)
	if err != nil {
		t.Fatalf("munge: %v", err)
	}
	if !strings.Contains(out.SDP, "a=fmtp:111 minptime=10;useinbandfec=1;stereo=1;usedtx=1") {
		t.Errorf("expected stereo and dtx markers:\n%s", out.SDP)
	}

	again, err := OpusParams(true, true)(out)
	if err != nil {
		t.Fatalf("munge: %v", err)
	}
	if strings.Count(again.SDP, "stereo=1") != 1 {
		t.Errorf("markers duplicated:\n%s", again.SDP)
	}
}

func TestOpusParams_NoOptionsIsIdentity(t *testing.T) {
	desc := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "not even sdp"}
	out, err := OpusParams(false, false)(desc)
	if err != nil || out != desc {
		t.Errorf("expected identity, got %v %v", out, err)
	}
}

func TestChain_StopsOnError(t *testing.T) {
	desc := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "garbage"}
	called := false
	h := Chain(RenameCodec("AV1", "AV1X"), func(d domain.SessionDescription) (domain.SessionDescription, error) {
		called = true
		return d, nil
	})
	if _, err := h(desc); err == nil {
		t.Error("expected parse error")
	}
	if called {
		t.Error("hook after a failure must not run")
	}
}

func TestRenegotiate_AddsMirroredSections(t *testing.T) {
	offer := domain.SessionDescription{
		Type: domain.SDPTypeOffer,
		SDP: offerWith(
			"m=audio 9 UDP/TLS/RTP/SAVPF 111",
			"c=IN IP4 0.0.0.0",
			"a=mid:2",
			"a=recvonly",
			"a=rtpmap:111 opus/48000/2",
			"m=video 9 UDP/TLS/RTP/SAVPF 96",
			"c=IN IP4 0.0.0.0",
			"a=mid:3",
			"a=recvonly",
			"a=rtpmap:96 VP8/90000",
		),
	}
	prev := domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: previousAnswer}

	answer, err := Renegotiate(offer, prev)
	if err != nil {
		t.Fatalf("renegotiate: %v", err)
	}
	if answer.Type != domain.SDPTypeAnswer {
		t.Errorf("type = %s", answer.Type)
	}

	s := parse(t, answer.SDP)
	if len(s.MediaDescriptions) != 4 {
		t.Fatalf("expected 4 sections, got %d", len(s.MediaDescriptions))
	}
	if s.Origin.SessionVersion != 3 {
		t.Errorf("session version = %d, want 3", s.Origin.SessionVersion)
	}

	wantKinds := []string{"audio", "video", "audio", "video"}
	for i, m := range s.MediaDescriptions {
		mid, _ := m.Attribute("mid")
		if mid != []string{"0", "1", "2", "3"}[i] {
			t.Errorf("section %d mid = %q", i, mid)
		}
		if m.MediaName.Media != wantKinds[i] {
			t.Errorf("section %d kind = %s", i, m.MediaName.Media)
		}
	}

	for _, m := range s.MediaDescriptions[2:] {
		if !hasAttr(m, "sendonly") {
			t.Errorf("mid section %v: expected sendonly", m.Attributes)
		}
		if hasAttr(m, "ssrc") || hasAttr(m, "msid") {
			t.Errorf("template stream attributes leaked: %v", m.Attributes)
		}
		if ufrag, _ := m.Attribute("ice-ufrag"); ufrag != "srv" {
			t.Errorf("expected transport attributes copied, got ufrag %q", ufrag)
		}
	}

	group, _ := s.Attribute("group")
	if group != "BUNDLE 0 1 2 3" {
		t.Errorf("group = %q", group)
	}
}

func TestRenegotiate_RejectsUnknownKind(t *testing.T) {
	offer := domain.SessionDescription{
		Type: domain.SDPTypeOffer,
		SDP: offerWith(
			"m=application 9 UDP/DTLS/SCTP webrtc-datachannel",
			"c=IN IP4 0.0.0.0",
			"a=mid:2",
		),
	}
	prev := domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: previousAnswer}

	answer, err := Renegotiate(offer, prev)
	if err != nil {
		t.Fatalf("renegotiate: %v", err)
	}

	s := parse(t, answer.SDP)
	last := s.MediaDescriptions[2]
	if last.MediaName.Port.Value != 0 || !hasAttr(last, "inactive") {
		t.Errorf("expected rejected section, got %+v", last)
	}
	if group, _ := s.Attribute("group"); group != "BUNDLE 0 1" {
		t.Errorf("group = %q", group)
	}
}

func TestRenegotiate_RequiresOffer(t *testing.T) {
	prev := domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: previousAnswer}
	if _, err := Renegotiate(prev, prev); err == nil {
		t.Error("expected error for non-offer")
	}
}
