// Package projection maps server-announced sources onto local receive slots.
//
// A Resolver is not safe for concurrent use. The session drives it from its
// event loop, and Deps.Schedule must deliver timer callbacks on that loop.
package projection

import (
	"time"

	"mcstream/native/internal/domain"
	"mcstream/native/internal/metrics"

	"github.com/pion/logging"
)

// DefaultTimeout bounds how long one source may wait for its slots to resolve.
const DefaultTimeout = 10 * time.Second

// Deps are the capabilities a Resolver drives.
type Deps struct {
	// AddSlot creates a receive-only slot of the given kind.
	AddSlot func(kind domain.MediaKind) (domain.Slot, error)
	// Renegotiate requests a renegotiation round so new slots get a mid.
	Renegotiate func()
	// Send writes a command on the signaling channel.
	Send func(e domain.Event, data any) error
	// OnError reports failures that do not end the session.
	OnError func(err error)
	// Schedule runs fn after d and returns a function cancelling it.
	Schedule func(d time.Duration, fn func()) (stop func())
	// Timeout of zero disables the resolution bound.
	Timeout time.Duration
	Logger  logging.LeveledLogger
}

type track struct {
	id       string
	kind     domain.MediaKind
	slot     domain.Slot
	mid      string
	resolved bool
}

type entry struct {
	sourceID string
	tracks   []*track
	stop     func()
}

func (e *entry) ready() bool {
	for _, t := range e.tracks {
		if !t.resolved {
			return false
		}
	}
	return true
}

func (e *entry) mids() []string {
	out := make([]string, 0, len(e.tracks))
	for _, t := range e.tracks {
		out = append(out, t.mid)
	}
	return out
}

// Projection is an active source and the mids its tracks were projected on.
type Projection struct {
	SourceID string
	MediaIDs []string
}

// Resolver serializes source activation: at most one source is allocating
// or resolving at a time, the rest wait in FIFO order.
type Resolver struct {
	deps     Deps
	log      logging.LeveledLogger
	inflight *entry
	queue    []*entry
	active   []*entry
}

// New returns an idle resolver. A nil Logger gets pion's default.
func New(deps Deps) *Resolver {
	if deps.Logger == nil {
		deps.Logger = logging.NewDefaultLoggerFactory().NewLogger("projection")
	}
	if deps.OnError == nil {
		deps.OnError = func(error) {}
	}
	return &Resolver{deps: deps, log: deps.Logger}
}

// Activate handles an Active announcement. A source already known to the
// resolver is ignored, as is an announcement without tracks.
func (r *Resolver) Activate(sourceID string, tracks []domain.TrackAnnouncement) {
	if len(tracks) == 0 {
		r.log.Warnf("source %q announced without tracks, ignoring", sourceID)
		return
	}
	if r.known(sourceID) {
		r.log.Warnf("source %q already announced, ignoring", sourceID)
		return
	}

	e := &entry{sourceID: sourceID}
	for _, t := range tracks {
		e.tracks = append(e.tracks, &track{id: t.TrackID, kind: t.Media})
	}

	if r.inflight != nil {
		r.log.Debugf("source %q queued behind %q", sourceID, r.inflight.sourceID)
		r.queue = append(r.queue, e)
		r.updateGauges()
		return
	}
	r.start(e)
}

// SlotResolved records the mid negotiated for slot. It reports whether the
// slot belongs to the source currently resolving.
func (r *Resolver) SlotResolved(slot domain.Slot, mid string) bool {
	e := r.inflight
	if e == nil || mid == "" {
		return false
	}

	matched := false
	for _, t := range e.tracks {
		if t.slot == slot {
			t.mid = mid
			t.resolved = true
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	if e.ready() {
		r.project(e)
	}
	return true
}

// Deactivate handles an Inactive announcement. A projected source is
// unprojected; a source still waiting is abandoned without a command; an
// unknown source is ignored.
func (r *Resolver) Deactivate(sourceID string) {
	for i, e := range r.active {
		if e.sourceID != sourceID {
			continue
		}
		r.active = append(r.active[:i], r.active[i+1:]...)
		r.updateGauges()
		r.unproject(e)
		return
	}

	if e := r.inflight; e != nil && e.sourceID == sourceID {
		r.log.Infof("source %q went inactive while resolving", sourceID)
		r.finish(e, "abandoned")
		return
	}

	for i, e := range r.queue {
		if e.sourceID == sourceID {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			metrics.ProjectionsTotal.WithLabelValues("abandoned").Inc()
			r.updateGauges()
			return
		}
	}
}

// UnprojectAll unprojects every active source and drops anything waiting.
func (r *Resolver) UnprojectAll() {
	active := r.active
	r.active = nil
	for _, e := range active {
		r.unproject(e)
	}
	r.Reset()
}

// Reset drops all state without sending commands.
func (r *Resolver) Reset() {
	if r.inflight != nil && r.inflight.stop != nil {
		r.inflight.stop()
	}
	r.inflight = nil
	r.queue = nil
	r.active = nil
	r.updateGauges()
}

// SourceOf returns the source a slot was allocated for.
func (r *Resolver) SourceOf(slot domain.Slot) (string, bool) {
	lookup := func(e *entry) bool {
		for _, t := range e.tracks {
			if t.slot == slot {
				return true
			}
		}
		return false
	}
	if r.inflight != nil && lookup(r.inflight) {
		return r.inflight.sourceID, true
	}
	for _, e := range r.active {
		if lookup(e) {
			return e.sourceID, true
		}
	}
	return "", false
}

// Active returns the projected sources in projection order.
func (r *Resolver) Active() []Projection {
	out := make([]Projection, 0, len(r.active))
	for _, e := range r.active {
		out = append(out, Projection{SourceID: e.sourceID, MediaIDs: e.mids()})
	}
	return out
}

// Pending returns the number of sources waiting behind the in-flight one.
func (r *Resolver) Pending() int { return len(r.queue) }

// Resolving returns the source currently allocating or resolving.
func (r *Resolver) Resolving() (string, bool) {
	if r.inflight == nil {
		return "", false
	}
	return r.inflight.sourceID, true
}

func (r *Resolver) known(sourceID string) bool {
	if r.inflight != nil && r.inflight.sourceID == sourceID {
		return true
	}
	for _, e := range r.queue {
		if e.sourceID == sourceID {
			return true
		}
	}
	for _, e := range r.active {
		if e.sourceID == sourceID {
			return true
		}
	}
	return false
}

func (r *Resolver) start(e *entry) {
	r.inflight = e
	r.updateGauges()

	for _, t := range e.tracks {
		slot, err := r.deps.AddSlot(t.kind)
		if err != nil {
			r.deps.OnError(domain.NewError(domain.KindNegotiation, "project "+e.sourceID, err))
			r.finish(e, "failed")
			return
		}
		t.slot = slot
	}

	if r.deps.Timeout > 0 && r.deps.Schedule != nil {
		e.stop = r.deps.Schedule(r.deps.Timeout, func() { r.expire(e) })
	}

	r.log.Debugf("allocated %d slots for source %q", len(e.tracks), e.sourceID)
	r.deps.Renegotiate()
}

func (r *Resolver) expire(e *entry) {
	if r.inflight != e {
		return
	}
	r.log.Warnf("source %q did not resolve within %s", e.sourceID, r.deps.Timeout)
	r.deps.OnError(domain.NewError(domain.KindNegotiation, "project "+e.sourceID, domain.ErrProjectionTimeout))
	r.finish(e, "timeout")
}

func (r *Resolver) project(e *entry) {
	req := domain.ProjectRequest{SourceID: e.sourceID}
	for _, t := range e.tracks {
		req.Mapping = append(req.Mapping, domain.ProjectionMapping{
			TrackID: t.id,
			MediaID: t.mid,
			Media:   t.kind,
		})
	}

	if err := r.deps.Send(domain.EventProject, req); err != nil {
		r.deps.OnError(domain.NewError(domain.KindTransport, "project "+e.sourceID, err))
		r.finish(e, "failed")
		return
	}

	r.log.Infof("projected source %q onto %v", e.sourceID, e.mids())
	r.active = append(r.active, e)
	r.finish(e, "projected")
}

func (r *Resolver) unproject(e *entry) {
	err := r.deps.Send(domain.EventUnproject, domain.UnprojectRequest{MediaIDs: e.mids()})
	if err != nil {
		r.deps.OnError(domain.NewError(domain.KindTransport, "unproject "+e.sourceID, err))
		return
	}
	r.log.Infof("unprojected source %q", e.sourceID)
}

// finish clears the in-flight entry and starts the next queued source.
func (r *Resolver) finish(e *entry, result string) {
	if e.stop != nil {
		e.stop()
		e.stop = nil
	}
	metrics.ProjectionsTotal.WithLabelValues(result).Inc()
	if r.inflight == e {
		r.inflight = nil
	}
	for r.inflight == nil && len(r.queue) > 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]
		r.start(next)
	}
	r.updateGauges()
}

func (r *Resolver) updateGauges() {
	metrics.ActiveProjections.Set(float64(len(r.active)))
	metrics.PendingProjections.Set(float64(len(r.queue)))
}
