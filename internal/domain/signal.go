package domain

import "fmt"

// Event is the closed set of signaling tags. The first block are commands
// sent to the server, the rest are notifications received from it.
type Event int

const (
	EventPublish Event = iota
	EventUnpublish
	EventSubscribe
	EventProject
	EventUnproject
	EventSelect

	EventResponse
	EventActive
	EventInactive
	EventViewerCount
	EventStopped
	EventVad
	EventLayers
)

var eventNames = [...]string{
	EventPublish:     "Publish",
	EventUnpublish:   "Unpublish",
	EventSubscribe:   "Subscribe",
	EventProject:     "Project",
	EventUnproject:   "Unproject",
	EventSelect:      "Select",
	EventResponse:    "Response",
	EventActive:      "Active",
	EventInactive:    "Inactive",
	EventViewerCount: "ViewerCount",
	EventStopped:     "Stopped",
	EventVad:         "Vad",
	EventLayers:      "Layers",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// IsCommand reports whether e is sent to the server rather than received.
func (e Event) IsCommand() bool {
	return e >= EventPublish && e <= EventSelect
}

// SDPType distinguishes offers from answers.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is the JSON structure for SDP offer/answer messages.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Event subscriptions requested on publish and view.
var (
	PublishEvents   = []string{"active", "inactive", "viewercount", "layers"}
	SubscribeEvents = []string{"active", "inactive", "stopped", "viewercount", "layers"}
)

// PublishRequest is the data of a "publish" command.
type PublishRequest struct {
	Name     string   `json:"name"`
	SDP      string   `json:"sdp"`
	Events   []string `json:"events"`
	Codec    string   `json:"codec,omitempty"`
	SourceID string   `json:"sourceId,omitempty"`
}

// ViewRequest is the data of a "view" command.
type ViewRequest struct {
	StreamID string   `json:"streamId"`
	SDP      string   `json:"sdp,omitempty"`
	Events   []string `json:"events"`
}

// ProjectionMapping binds one server-side track to a local media id.
type ProjectionMapping struct {
	TrackID string    `json:"trackId"`
	MediaID string    `json:"mediaId"`
	Media   MediaKind `json:"media"`
}

// ProjectRequest is the data of a "project" command.
type ProjectRequest struct {
	SourceID string              `json:"sourceId"`
	Mapping  []ProjectionMapping `json:"mapping"`
}

// UnprojectRequest is the data of an "unproject" command.
type UnprojectRequest struct {
	MediaIDs []string `json:"mediaIds"`
}

// LayerSelection identifies one simulcast/SVC layer.
type LayerSelection struct {
	EncodingID      string `json:"encodingId"`
	SpatialLayerID  int64  `json:"spatialLayerId"`
	TemporalLayerID int64  `json:"temporalLayerId"`
}

// SelectRequest is the data of a "select" command.
type SelectRequest struct {
	Layer LayerSelection `json:"layer"`
}

// ResponseData is the data of a "response" message to publish/view.
type ResponseData struct {
	SDP      string `json:"sdp"`
	StreamID string `json:"streamId,omitempty"`
}

// TrackAnnouncement names one track of a remote source.
type TrackAnnouncement struct {
	TrackID string    `json:"trackId"`
	Media   MediaKind `json:"media"`
}

// ActiveEvent is the data of an "active" event. A nil SourceID is the main source.
type ActiveEvent struct {
	StreamID string              `json:"streamId"`
	SourceID *string             `json:"sourceId"`
	Tracks   []TrackAnnouncement `json:"tracks"`
}

// InactiveEvent is the data of an "inactive" event.
type InactiveEvent struct {
	StreamID string  `json:"streamId"`
	SourceID *string `json:"sourceId"`
}

// ViewerCountEvent is the data of a "viewercount" event.
type ViewerCountEvent struct {
	ViewerCount int `json:"viewercount"`
}

// LayersEvent is the data of a "layers" event, keyed by media id.
type LayersEvent struct {
	Medias map[string]SimulcastInfo `json:"medias"`
}

// SourceName flattens an optional source id.
func SourceName(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}
