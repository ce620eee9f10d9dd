package aggregator

import (
	"math"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/G-Research/vidtrace/internal/common/stringinterner"
	"github.com/G-Research/vidtrace/internal/vidtrace/configuration"
	"github.com/G-Research/vidtrace/internal/vidtrace/metrics"
	"github.com/G-Research/vidtrace/internal/vidtrace/model"
)

// Emitter receives the aggregator's output. Calls are made synchronously from whichever goroutine drives
// the aggregator, in the order the records are produced.
type Emitter interface {
	PlotTrace(model.PlotTrace)
	CacheClean(model.CacheClean)
	IndicatorTrace(model.IndicatorTrace)
	RenewTrace(model.RenewTrace)
	FrameDropped(model.FrameDropped)
}

// Aggregator reassembles the trace reports of many concurrent workers into one result per frame.
//
// A frame finalizes once every expected reporter has registered for it and each trace it monitors has been
// resolved by exactly one update or removal. Frames finalize strictly in id order: only the oldest open
// frame (the barrier) is seeded with the traces surviving its predecessor, and its finalization seeds the
// next. Messages for later frames are held until that happens.
//
// Aggregator is not safe for concurrent use; Service serialises access to it.
type Aggregator struct {
	config            configuration.AggregationConfig
	firstFrameId      int
	expectedReporters int
	emitter           Emitter
	clock             clock.Clock
	interner          *stringinterner.StringInterner
	frames            *arena
	// Point sequences of every live trace, across frames
	traces map[string][]model.Point
	// Oldest open frame. Frames below it are closed.
	barrier  int
	messages int
}

func New(config configuration.AggregationConfig, firstFrameId int, expectedReporters int, emitter Emitter) (*Aggregator, error) {
	if expectedReporters < 1 {
		return nil, errors.Errorf("expected reporters must be positive, got %d", expectedReporters)
	}
	if config.WindowSize < 2 {
		return nil, errors.Errorf("window size must be at least 2, got %d", config.WindowSize)
	}
	interner, err := stringinterner.New(config.InternCacheSize)
	if err != nil {
		return nil, err
	}
	return &Aggregator{
		config:            config,
		firstFrameId:      firstFrameId,
		expectedReporters: expectedReporters,
		emitter:           emitter,
		clock:             clock.RealClock{},
		interner:          interner,
		frames:            newArena(config.WindowSize),
		traces:            map[string][]model.Point{},
		barrier:           firstFrameId,
	}, nil
}

// Register records one reporter's registration for a frame: its dimensions and the traces it started.
// The frame must be the seeded barrier frame; the first frame is seeded on first contact.
func (a *Aggregator) Register(msg model.RegisterTrace) error {
	a.observe()
	state, err := a.lookup(msg.FrameId)
	if err != nil {
		return err
	}
	if state == nil || !state.seeded {
		return a.reject(state, &ErrConsistencyViolation{FrameId: msg.FrameId, Reason: ReasonFrameNotSeeded})
	}
	if _, ok := state.reporters[msg.Reporter]; ok {
		return a.reject(state, &ErrConsistencyViolation{FrameId: msg.FrameId, Reason: ReasonDuplicateReporter})
	}
	if len(state.reporters) >= a.expectedReporters {
		return a.reject(state, &ErrConsistencyViolation{FrameId: msg.FrameId, Reason: ReasonUnexpectedReporter})
	}

	state.reporters[msg.Reporter] = struct{}{}
	if len(state.reporters) == 1 {
		state.width, state.height = msg.Width, msg.Height
	} else if state.width != msg.Width || state.height != msg.Height {
		log.WithFields(log.Fields{
			"frameId":  msg.FrameId,
			"reporter": msg.Reporter,
		}).Warnf("Reporter registered %dx%d but frame was registered as %dx%d", msg.Width, msg.Height, state.width, state.height)
	}
	for _, id := range msg.NewTraceIds {
		state.monitored[a.interner.Intern(id)] = struct{}{}
	}

	var result error
	if a.registered(state) {
		result = a.applyPending(state)
	}
	a.tryFinalize(state)
	return result
}

// Handle resolves one trace of a frame. Messages arriving before the frame's registration is complete are
// queued and applied, in arrival order, once it is.
func (a *Aggregator) Handle(msg model.TraceMessage) error {
	a.observe()
	state, err := a.lookup(msg.FrameId)
	if err != nil {
		return err
	}
	if state == nil {
		state = newFrameState(msg.FrameId, a.clock.Now())
		a.frames.put(state)
	}
	if !a.registered(state) {
		state.pending = append(state.pending, msg)
		return nil
	}
	err = a.apply(state, msg)
	a.tryFinalize(state)
	return err
}

// EvictStale drops every open frame older than the configured ttl and returns how many were dropped.
// Dropping the barrier frame discards all live traces and seeds its successor empty, so that the
// pipeline can make progress again.
func (a *Aggregator) EvictStale() int {
	if a.config.FrameTTL <= 0 {
		return 0
	}
	now := a.clock.Now()
	evicted := 0
	for _, state := range a.frames.open() {
		if now.Sub(state.createdAt) <= a.config.FrameTTL {
			continue
		}
		a.drop(state, now)
		evicted++
	}
	metrics.SetLiveFrames(a.frames.live)
	return evicted
}

// Barrier returns the oldest frame that has not yet finalized or been dropped.
func (a *Aggregator) Barrier() int {
	return a.barrier
}

// lookup returns the open state for frameId, or nil if the frame may be opened. Closed frames and frames
// too far ahead of the barrier are errors.
func (a *Aggregator) lookup(frameId int) (*frameState, error) {
	if frameId < a.barrier {
		return nil, a.reject(nil, &ErrConsistencyViolation{FrameId: frameId, Reason: ReasonFrameClosed})
	}
	if frameId >= a.barrier+a.frames.size() {
		return nil, &ErrFrameOutOfWindow{FrameId: frameId, Oldest: a.barrier, Window: a.frames.size()}
	}
	state := a.frames.get(frameId)
	if state == nil && frameId == a.firstFrameId && a.barrier == a.firstFrameId {
		state = a.seed(frameId, nil, a.clock.Now())
	}
	return state, nil
}

func (a *Aggregator) registered(state *frameState) bool {
	return state.seeded && len(state.reporters) == a.expectedReporters
}

func (a *Aggregator) applyPending(state *frameState) error {
	var result *multierror.Error
	pending := state.pending
	state.pending = nil
	for _, msg := range pending {
		if err := a.apply(state, msg); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (a *Aggregator) apply(state *frameState, msg model.TraceMessage) error {
	id := a.interner.Intern(msg.TraceId)
	if _, ok := state.monitored[id]; !ok {
		return a.reject(state, &ErrConsistencyViolation{FrameId: msg.FrameId, TraceId: msg.TraceId, Reason: ReasonTraceNotMonitored})
	}
	delete(state.monitored, id)
	switch msg.Kind {
	case model.TraceUpdate:
		a.traces[id] = append(a.traces[id], msg.Point)
	case model.TraceRemove:
		delete(a.traces, id)
	default:
		return errors.Errorf("unknown trace message kind %d", msg.Kind)
	}
	return nil
}

func (a *Aggregator) tryFinalize(state *frameState) {
	if state.frameId == a.barrier && a.registered(state) && len(state.monitored) == 0 {
		a.finalize(state)
	}
	metrics.SetLiveFrames(a.frames.live)
}

func (a *Aggregator) finalize(state *frameState) {
	now := a.clock.Now()
	frameId := state.frameId
	next := frameId + 1

	plot := model.PlotTrace{
		FrameId:  frameId,
		Traces:   make(map[string][]model.Point, len(a.traces)),
		Degraded: state.degraded,
	}
	for id, points := range a.traces {
		plot.Traces[id] = slices.Clone(points)
	}
	a.emitter.PlotTrace(plot)
	a.emitter.CacheClean(model.CacheClean{FrameId: frameId})

	ids := maps.Keys(a.traces)
	slices.Sort(ids)
	seeds := make([]model.TraceSeed, 0, len(ids))
	cells := make([]int, 0, len(ids))
	expired := 0
	for _, id := range ids {
		points := a.traces[id]
		if len(points) > a.config.MaxTrackerLength {
			delete(a.traces, id)
			expired++
			continue
		}
		last := points[len(points)-1]
		seeds = append(seeds, model.TraceSeed{TraceId: id, Point: last})
		if cell, ok := a.indicatorCell(last, state.width, state.height); ok {
			cells = append(cells, cell)
		}
	}

	a.frames.remove(frameId)
	a.barrier = next
	a.emitter.IndicatorTrace(model.IndicatorTrace{FrameId: next, Cells: cells})
	a.emitter.RenewTrace(model.RenewTrace{FrameId: next, Seeds: seeds})
	a.seed(next, seeds, now)

	metrics.RecordFrameFinalized(now.Sub(state.createdAt), expired)
	log.WithFields(log.Fields{
		"frameId":   frameId,
		"traces":    len(plot.Traces),
		"survivors": len(seeds),
		"expired":   expired,
		"degraded":  state.degraded,
	}).Debug("Finalized frame")
}

// seed opens frameId as the barrier frame, adopting any state already queued for it, and adds the given
// traces to its monitored set.
func (a *Aggregator) seed(frameId int, seeds []model.TraceSeed, now time.Time) *frameState {
	state := a.frames.get(frameId)
	if state == nil {
		state = newFrameState(frameId, now)
		a.frames.put(state)
	}
	state.seeded = true
	state.createdAt = now
	for _, s := range seeds {
		state.monitored[s.TraceId] = struct{}{}
	}
	return state
}

func (a *Aggregator) drop(state *frameState, now time.Time) {
	frameId := state.frameId
	a.frames.remove(frameId)
	dropped := model.FrameDropped{FrameId: frameId, Reason: model.DropReasonExpired}

	if frameId != a.barrier {
		queuedTraces := make(map[string]struct{}, len(state.pending))
		for _, msg := range state.pending {
			queuedTraces[msg.TraceId] = struct{}{}
		}
		dropped.LostTraces = len(queuedTraces)
		a.emitter.FrameDropped(dropped)
		metrics.RecordFrameDropped(string(dropped.Reason))
		log.WithFields(log.Fields{
			"frameId":    frameId,
			"queued":     len(state.pending),
			"lostTraces": dropped.LostTraces,
		}).Warn("Dropped expired frame")
		return
	}

	lost := make(map[string]struct{}, len(a.traces)+len(state.monitored))
	for id := range a.traces {
		lost[id] = struct{}{}
	}
	for id := range state.monitored {
		lost[id] = struct{}{}
	}
	dropped.LostTraces = len(lost)
	a.emitter.FrameDropped(dropped)
	a.emitter.CacheClean(model.CacheClean{FrameId: frameId})
	a.traces = map[string][]model.Point{}

	next := frameId + 1
	a.barrier = next
	a.emitter.IndicatorTrace(model.IndicatorTrace{FrameId: next, Cells: []int{}})
	a.emitter.RenewTrace(model.RenewTrace{FrameId: next, Seeds: []model.TraceSeed{}})
	a.seed(next, nil, now)

	metrics.RecordFrameDropped(string(dropped.Reason))
	log.WithFields(log.Fields{
		"frameId":    frameId,
		"reporters":  len(state.reporters),
		"unresolved": len(state.monitored),
		"lostTraces": dropped.LostTraces,
	}).Warn("Dropped expired barrier frame, restarting from an empty trace set")
}

// indicatorCell maps a point onto the minDistance grid. Points are included while they lie within
// minDistance times the frame dimensions.
func (a *Aggregator) indicatorCell(p model.Point, width int, height int) (int, bool) {
	minDistance := a.config.MinDistance
	x, y := float64(p.X), float64(p.Y)
	if !(x < minDistance*float64(width) && y < minDistance*float64(height)) {
		return 0, false
	}
	return int(math.Floor(y/minDistance))*width + int(math.Floor(x/minDistance)), true
}

func (a *Aggregator) reject(state *frameState, violation *ErrConsistencyViolation) error {
	if state != nil {
		state.degraded = true
	}
	metrics.RecordConsistencyViolation(violation.Reason)
	return violation
}

func (a *Aggregator) observe() {
	a.messages++
	if a.config.DiagnosticInterval > 0 && a.messages%a.config.DiagnosticInterval == 0 {
		log.WithFields(log.Fields{
			"messages":   a.messages,
			"barrier":    a.barrier,
			"openFrames": a.frames.live,
			"traces":     len(a.traces),
			"interned":   a.interner.Len(),
		}).Debug("Aggregator state")
	}
}
