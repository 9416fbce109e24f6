package domain

// MediaKind is either audio or video.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

// Layer is one encoding of a simulcast source.
type Layer struct {
	SimulcastIdx    int64  `json:"simulcastIdx"`
	EncodingID      string `json:"encodingId,omitempty"`
	SpatialLayerID  int64  `json:"spatialLayerId"`
	TemporalLayerID int64  `json:"temporalLayerId"`
	Bitrate         int64  `json:"bitrate"`
}

// Selection returns the select-command form of l.
func (l Layer) Selection() LayerSelection {
	return LayerSelection{
		EncodingID:      l.EncodingID,
		SpatialLayerID:  l.SpatialLayerID,
		TemporalLayerID: l.TemporalLayerID,
	}
}

// SimulcastData groups the layers of one simulcast encoding.
type SimulcastData struct {
	ID           string  `json:"id"`
	SimulcastIdx int64   `json:"simulcastIdx"`
	Bitrate      int64   `json:"bitrate"`
	Layers       []Layer `json:"layers"`
}

// SimulcastInfo is a read-only snapshot replaced on every layers event.
type SimulcastInfo struct {
	Active   []SimulcastData `json:"active"`
	Inactive []SimulcastData `json:"inactive"`
	Layers   []Layer         `json:"layers"`
}

// ChannelSnapshot describes the inbound audio channel layout.
// ChannelMap is nil when the codec parameters carry no explicit mapping.
type ChannelSnapshot struct {
	Channels   int
	ChannelMap []int
}
