// Package munge rewrites session descriptions between creation and
// application.
package munge

import (
	"fmt"
	"strings"

	"mcstream/native/internal/domain"

	"github.com/pion/sdp/v3"
)

// Hook rewrites a description. Hooks must not change its type.
type Hook func(desc domain.SessionDescription) (domain.SessionDescription, error)

// Identity returns desc unchanged.
func Identity(desc domain.SessionDescription) (domain.SessionDescription, error) {
	return desc, nil
}

// Chain applies hooks in order. Nil hooks are skipped.
func Chain(hooks ...Hook) Hook {
	return func(desc domain.SessionDescription) (domain.SessionDescription, error) {
		var err error
		for _, h := range hooks {
			if h == nil {
				continue
			}
			if desc, err = h(desc); err != nil {
				return desc, err
			}
		}
		return desc, nil
	}
}

// RenameCodec returns a hook renaming the rtpmap encoding name from to to.
// Only exact encoding names match, so AV1 never turns into AV1XX.
func RenameCodec(from, to string) Hook {
	return func(desc domain.SessionDescription) (domain.SessionDescription, error) {
		return rewrite(desc, func(s *sdp.SessionDescription) {
			for _, m := range s.MediaDescriptions {
				for i, a := range m.Attributes {
					if a.Key != "rtpmap" {
						continue
					}
					pt, name, rest, ok := splitRtpmap(a.Value)
					if ok && name == from {
						m.Attributes[i].Value = pt + " " + to + rest
					}
				}
			}
		})
	}
}

// OpusParams returns a hook adding stereo and DTX markers to every opus fmtp line.
func OpusParams(stereo, dtx bool) Hook {
	var extra []string
	if stereo {
		extra = append(extra, "stereo=1")
	}
	if dtx {
		extra = append(extra, "usedtx=1")
	}
	if len(extra) == 0 {
		return Identity
	}

	return func(desc domain.SessionDescription) (domain.SessionDescription, error) {
		return rewrite(desc, func(s *sdp.SessionDescription) {
			for _, m := range s.MediaDescriptions {
				if m.MediaName.Media != string(domain.MediaAudio) {
					continue
				}
				opus := payloadTypesFor(m, "opus")
				for i, a := range m.Attributes {
					if a.Key != "fmtp" {
						continue
					}
					pt, params, _ := strings.Cut(a.Value, " ")
					if !opus[pt] {
						continue
					}
					for _, p := range extra {
						if !hasParam(params, p) {
							params += ";" + p
						}
					}
					m.Attributes[i].Value = pt + " " + strings.TrimPrefix(params, ";")
				}
			}
		})
	}
}

func rewrite(desc domain.SessionDescription, fn func(*sdp.SessionDescription)) (domain.SessionDescription, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return desc, fmt.Errorf("parse %s: %w", desc.Type, err)
	}

	fn(&parsed)

	raw, err := parsed.Marshal()
	if err != nil {
		return desc, fmt.Errorf("marshal %s: %w", desc.Type, err)
	}
	return domain.SessionDescription{Type: desc.Type, SDP: string(raw)}, nil
}

// splitRtpmap splits "96 AV1/90000/2" into "96", "AV1", "/90000/2".
func splitRtpmap(value string) (pt, name, rest string, ok bool) {
	pt, codec, found := strings.Cut(value, " ")
	if !found {
		return "", "", "", false
	}
	if i := strings.IndexByte(codec, '/'); i >= 0 {
		return pt, codec[:i], codec[i:], true
	}
	return pt, codec, "", true
}

func payloadTypesFor(m *sdp.MediaDescription, codec string) map[string]bool {
	pts := map[string]bool{}
	for _, a := range m.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		if pt, name, _, ok := splitRtpmap(a.Value); ok && strings.EqualFold(name, codec) {
			pts[pt] = true
		}
	}
	return pts
}

func hasParam(params, kv string) bool {
	key, _, _ := strings.Cut(kv, "=")
	for _, p := range strings.Split(params, ";") {
		if k, _, _ := strings.Cut(strings.TrimSpace(p), "="); k == key {
			return true
		}
	}
	return false
}
