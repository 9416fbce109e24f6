package signal

import (
	"encoding/json"
	"fmt"

	"mcstream/native/internal/domain"
)

var commandNames = map[domain.Event]string{
	domain.EventPublish:   "publish",
	domain.EventUnpublish: "unpublish",
	domain.EventSubscribe: "view",
	domain.EventProject:   "project",
	domain.EventUnproject: "unproject",
	domain.EventSelect:    "select",
}

var eventTags = map[string]domain.Event{
	"active":      domain.EventActive,
	"inactive":    domain.EventInactive,
	"viewercount": domain.EventViewerCount,
	"vad":         domain.EventVad,
	"layers":      domain.EventLayers,
	"stopped":     domain.EventStopped,
}

// commandsRequiringData cannot be sent without a payload.
var commandsRequiringData = map[domain.Event]bool{
	domain.EventPublish:   true,
	domain.EventSubscribe: true,
	domain.EventProject:   true,
	domain.EventUnproject: true,
	domain.EventSelect:    true,
}

// command is the outbound envelope.
type command struct {
	Type    string `json:"type"`
	TransID int    `json:"transId"`
	Name    string `json:"name"`
	Data    any    `json:"data,omitempty"`
}

// message is the inbound envelope.
type message struct {
	Type    string          `json:"type"`
	Name    string          `json:"name,omitempty"`
	TransID int             `json:"transId,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ServerError is an {"type":"error"} message from the media server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// CommandName returns the wire name of a command tag.
func CommandName(e domain.Event) (string, bool) {
	name, ok := commandNames[e]
	return name, ok
}

// EncodeCommand builds the JSON frame for e.
func EncodeCommand(e domain.Event, transID int, data any) ([]byte, error) {
	name, ok := commandNames[e]
	if !ok {
		return nil, fmt.Errorf("encode %s: %w", e, domain.ErrUnmappedEvent)
	}
	if data == nil && commandsRequiringData[e] {
		return nil, fmt.Errorf("encode %s: command requires data", e)
	}

	frame, err := json.Marshal(command{
		Type:    "cmd",
		TransID: transID,
		Name:    name,
		Data:    data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", name, err)
	}
	return frame, nil
}

// Decode classifies an inbound frame. Server errors come back as
// *ServerError; anything unrecognized is a protocol error.
func Decode(frame []byte) (domain.Event, json.RawMessage, error) {
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return 0, nil, domain.NewError(domain.KindProtocol, "decode", err)
	}

	switch msg.Type {
	case "response":
		return domain.EventResponse, msg.Data, nil

	case "event":
		e, ok := eventTags[msg.Name]
		if !ok {
			return 0, nil, domain.NewError(domain.KindProtocol, "decode",
				fmt.Errorf("unknown event name %q", msg.Name))
		}
		return e, msg.Data, nil

	case "error":
		var text string
		if err := json.Unmarshal(msg.Data, &text); err != nil {
			text = string(msg.Data)
		}
		return 0, nil, &ServerError{Message: text}

	default:
		return 0, nil, domain.NewError(domain.KindProtocol, "decode",
			fmt.Errorf("invalid message type %q", msg.Type))
	}
}
