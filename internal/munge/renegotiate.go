package munge

import (
	"fmt"
	"strings"

	"mcstream/native/internal/domain"

	"github.com/pion/sdp/v3"
)

// Attributes that describe the template's own stream and must not be copied
// into a section answering a different transceiver.
var streamAttributes = map[string]bool{
	"mid":        true,
	"msid":       true,
	"ssrc":       true,
	"ssrc-group": true,
	"rid":        true,
	"simulcast":  true,
	"sendrecv":   true,
	"sendonly":   true,
	"recvonly":   true,
	"inactive":   true,
}

// Renegotiate builds the answer to offer from the last applied remote answer.
// Sections the server already answered are kept; new sections mirror the
// first answered section of the same kind with the direction flipped, or are
// rejected when no such section exists. The bundle group is rebuilt.
func Renegotiate(offer, previous domain.SessionDescription) (domain.SessionDescription, error) {
	if offer.Type != domain.SDPTypeOffer {
		return domain.SessionDescription{}, fmt.Errorf("renegotiate: expected offer, got %s", offer.Type)
	}

	var off, prev sdp.SessionDescription
	if err := off.Unmarshal([]byte(offer.SDP)); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("parse offer: %w", err)
	}
	if err := prev.Unmarshal([]byte(previous.SDP)); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("parse previous answer: %w", err)
	}

	answered := make(map[string]*sdp.MediaDescription, len(prev.MediaDescriptions))
	for _, m := range prev.MediaDescriptions {
		if mid, ok := m.Attribute("mid"); ok {
			answered[mid] = m
		}
	}

	answer := prev
	answer.Attributes = append([]sdp.Attribute(nil), prev.Attributes...)
	answer.MediaDescriptions = make([]*sdp.MediaDescription, 0, len(off.MediaDescriptions))
	answer.Origin.SessionVersion++

	var bundle []string
	for _, m := range off.MediaDescriptions {
		mid, ok := m.Attribute("mid")
		if !ok {
			return domain.SessionDescription{}, fmt.Errorf("renegotiate: offer section %q has no mid", m.MediaName.Media)
		}

		section, found := answered[mid]
		if !found {
			if tmpl := firstOfKind(prev.MediaDescriptions, m.MediaName.Media); tmpl != nil {
				section = mirror(tmpl, m, mid)
			} else {
				section = reject(m, mid)
			}
		}

		if section.MediaName.Port.Value != 0 {
			bundle = append(bundle, mid)
		}
		answer.MediaDescriptions = append(answer.MediaDescriptions, section)
	}

	setBundle(&answer, bundle)

	raw, err := answer.Marshal()
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("marshal answer: %w", err)
	}
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: string(raw)}, nil
}

func firstOfKind(sections []*sdp.MediaDescription, kind string) *sdp.MediaDescription {
	for _, m := range sections {
		if m.MediaName.Media == kind && m.MediaName.Port.Value != 0 {
			return m
		}
	}
	return nil
}

func mirror(tmpl, offered *sdp.MediaDescription, mid string) *sdp.MediaDescription {
	section := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   tmpl.MediaName.Media,
			Port:    tmpl.MediaName.Port,
			Protos:  append([]string(nil), tmpl.MediaName.Protos...),
			Formats: append([]string(nil), tmpl.MediaName.Formats...),
		},
		MediaTitle:            tmpl.MediaTitle,
		ConnectionInformation: tmpl.ConnectionInformation,
		Bandwidth:             append([]sdp.Bandwidth(nil), tmpl.Bandwidth...),
		EncryptionKey:         tmpl.EncryptionKey,
	}

	section.Attributes = append(section.Attributes, sdp.NewAttribute("mid", mid))
	for _, a := range tmpl.Attributes {
		if !streamAttributes[a.Key] {
			section.Attributes = append(section.Attributes, a)
		}
	}
	section.Attributes = append(section.Attributes, sdp.NewPropertyAttribute(answerDirection(offered)))
	return section
}

func reject(offered *sdp.MediaDescription, mid string) *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   offered.MediaName.Media,
			Port:    sdp.RangedPort{Value: 0},
			Protos:  append([]string(nil), offered.MediaName.Protos...),
			Formats: append([]string(nil), offered.MediaName.Formats...),
		},
		ConnectionInformation: offered.ConnectionInformation,
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("mid", mid),
			sdp.NewPropertyAttribute("inactive"),
		},
	}
}

func answerDirection(offered *sdp.MediaDescription) string {
	for _, a := range offered.Attributes {
		switch a.Key {
		case "recvonly":
			return "sendonly"
		case "sendonly":
			return "recvonly"
		case "inactive":
			return "inactive"
		case "sendrecv":
			return "sendrecv"
		}
	}
	return "sendrecv"
}

func setBundle(s *sdp.SessionDescription, mids []string) {
	value := strings.TrimSpace("BUNDLE " + strings.Join(mids, " "))
	for i, a := range s.Attributes {
		if a.Key == "group" && strings.HasPrefix(a.Value, "BUNDLE") {
			s.Attributes[i].Value = value
			return
		}
	}
	if len(mids) > 0 {
		s.Attributes = append(s.Attributes, sdp.NewAttribute("group", value))
	}
}
