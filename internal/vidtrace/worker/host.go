package worker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/G-Research/vidtrace/internal/vidtrace/aggregator"
	"github.com/G-Research/vidtrace/internal/vidtrace/configuration"
	"github.com/G-Research/vidtrace/internal/vidtrace/metrics"
	"github.com/G-Research/vidtrace/internal/vidtrace/model"
	"github.com/G-Research/vidtrace/internal/vidtrace/routing"
)

// Input is one entry of a worker's data inbox. Exactly one field is set.
type Input struct {
	Patch *model.Patch
	Frame *model.RawFrame
}

// Control is one entry of a worker's control inbox, carrying the aggregator's feedback. Exactly one
// field is set.
type Control struct {
	CacheClean *model.CacheClean
	Indicator  *model.IndicatorTrace
	Renew      *model.RenewTrace
}

// Channels connects a Host to the rest of the topology.
type Channels struct {
	Data    <-chan Input
	Control <-chan Control
	Out     chan<- aggregator.Message
}

type feedback struct {
	cells   []int
	seeds   []model.TraceSeed
	renewed bool
}

// Host runs the analysis collaborators for one worker task.
//
// Raw frames are tracked strictly in id order. Frame F is tracked once it has arrived and the aggregator
// has renewed it (the first frame needs no renewal). For each tracked frame the host reports a
// registration, then one update or removal for every trace it started or owns. A seed is owned by the
// reporter selected by fields grouping on its trace id, so each trace is resolved by exactly one worker.
//
// While MaxPendingFrames frames wait for their renewal the host stops reading data, which pushes back on
// the patch generators.
type Host struct {
	taskId       int
	name         string
	reporters    []int
	shard        int
	firstFrameId int
	config       configuration.WorkerConfig
	tracker      Tracker
	analyzer     PatchAnalyzer
	// Raw frames kept for patch analysis until their cache-clean arrives
	frames *cache.Cache
	// Patches that arrived before their frame
	patches   *cache.Cache
	untracked map[int]model.Frame
	feedback  map[int]*feedback
	next      int
	data      <-chan Input
	control   <-chan Control
	out       chan<- aggregator.Message
	// Control messages received while blocked sending to the aggregator
	queued []Control
}

// NewHost creates the host for taskId. reporters are the task ids of every worker that receives raw
// frames; analyzer may be nil.
func NewHost(
	taskId int,
	reporters []int,
	firstFrameId int,
	config configuration.WorkerConfig,
	tracker Tracker,
	analyzer PatchAnalyzer,
	channels Channels,
) *Host {
	sorted := slices.Clone(reporters)
	slices.Sort(sorted)
	return &Host{
		taskId:       taskId,
		name:         strconv.Itoa(taskId),
		reporters:    sorted,
		shard:        slices.Index(sorted, taskId),
		firstFrameId: firstFrameId,
		config:       config,
		tracker:      tracker,
		analyzer:     analyzer,
		frames:       cache.New(config.FrameCacheTTL, config.FrameCacheTTL),
		patches:      cache.New(config.FrameCacheTTL, config.FrameCacheTTL),
		untracked:    map[int]model.Frame{},
		feedback:     map[int]*feedback{},
		next:         firstFrameId,
		data:         channels.Data,
		control:      channels.Control,
		out:          channels.Out,
	}
}

// Run processes input until ctx is cancelled, or until the data inbox is closed and every frame received
// has been tracked.
func (h *Host) Run(ctx context.Context) error {
	logger := log.WithField("worker", h.taskId)
	for {
		if err := h.settle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if h.data == nil && (len(h.untracked) == 0 || h.control == nil) {
			logger.Infof("Worker finished, next frame would have been %d", h.next)
			return nil
		}

		data := h.data
		if h.awaitingSeed() {
			data = nil
		}
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-h.control:
			if !ok {
				h.control = nil
				continue
			}
			h.handleControl(c)
		case in, ok := <-data:
			if !ok {
				h.data = nil
				continue
			}
			h.handleInput(ctx, in)
		}
	}
}

// settle applies queued control messages and tracks every frame that has become trackable.
func (h *Host) settle(ctx context.Context) error {
	for {
		for len(h.queued) > 0 {
			c := h.queued[0]
			h.queued = h.queued[1:]
			h.handleControl(c)
		}
		tracked, err := h.trackNext(ctx)
		if err != nil {
			return err
		}
		if !tracked && len(h.queued) == 0 {
			return nil
		}
	}
}

func (h *Host) awaitingSeed() bool {
	if len(h.untracked) < h.config.MaxPendingFrames {
		return false
	}
	_, ok := h.untracked[h.next]
	return ok
}

func (h *Host) handleInput(ctx context.Context, in Input) {
	switch {
	case in.Frame != nil:
		frame := in.Frame.Frame
		if frame.Id < h.next {
			log.WithField("worker", h.taskId).Debugf("Ignoring frame %d, already moved on to %d", frame.Id, h.next)
			return
		}
		h.frames.SetDefault(frameKey(frame.Id), frame)
		if h.shard >= 0 {
			h.untracked[frame.Id] = frame
		}
		if queued, ok := h.patches.Get(frameKey(frame.Id)); ok {
			h.patches.Delete(frameKey(frame.Id))
			for _, patch := range queued.([]model.PatchIdentifier) {
				h.analyze(ctx, frame, patch)
			}
		}
	case in.Patch != nil:
		if h.analyzer == nil {
			return
		}
		id := in.Patch.Identifier
		key := frameKey(int(id.FrameId))
		if frame, ok := h.frames.Get(key); ok {
			h.analyze(ctx, frame.(model.Frame), id)
			return
		}
		var queued []model.PatchIdentifier
		if existing, ok := h.patches.Get(key); ok {
			queued = existing.([]model.PatchIdentifier)
		}
		h.patches.SetDefault(key, append(queued, id))
	}
}

func (h *Host) analyze(ctx context.Context, frame model.Frame, patch model.PatchIdentifier) {
	if h.analyzer == nil {
		return
	}
	if err := h.analyzer.Analyze(ctx, frame, patch); err != nil {
		log.WithError(err).WithField("worker", h.taskId).Warnf("Error analysing patch %s", patch)
		return
	}
	metrics.RecordPatchAnalysed(h.name)
}

func (h *Host) handleControl(c Control) {
	switch {
	case c.CacheClean != nil:
		frameId := c.CacheClean.FrameId
		h.frames.Delete(frameKey(frameId))
		h.patches.Delete(frameKey(frameId))
		for id := range h.untracked {
			if id <= frameId {
				delete(h.untracked, id)
			}
		}
		for id := range h.feedback {
			if id <= frameId {
				delete(h.feedback, id)
			}
		}
		if h.next <= frameId {
			log.WithField("worker", h.taskId).Warnf("Frame %d was closed before it was tracked, skipping to %d", h.next, frameId+1)
			h.next = frameId + 1
		}
	case c.Indicator != nil:
		if c.Indicator.FrameId >= h.next {
			h.feedbackFor(c.Indicator.FrameId).cells = c.Indicator.Cells
		}
	case c.Renew != nil:
		if c.Renew.FrameId >= h.next {
			fb := h.feedbackFor(c.Renew.FrameId)
			fb.seeds = c.Renew.Seeds
			fb.renewed = true
		}
	}
}

func (h *Host) feedbackFor(frameId int) *feedback {
	fb, ok := h.feedback[frameId]
	if !ok {
		fb = &feedback{}
		h.feedback[frameId] = fb
	}
	return fb
}

// trackNext tracks the next frame if it is ready, and reports whether it did.
func (h *Host) trackNext(ctx context.Context) (bool, error) {
	frameId := h.next
	frame, ok := h.untracked[frameId]
	if !ok {
		return false, nil
	}
	fb := h.feedback[frameId]
	if frameId != h.firstFrameId && (fb == nil || !fb.renewed) {
		return false, nil
	}
	if fb == nil {
		fb = &feedback{}
	}
	if err := h.track(ctx, frame, fb); err != nil {
		return false, err
	}
	delete(h.untracked, frameId)
	delete(h.feedback, frameId)
	h.next = frameId + 1
	return true, nil
}

func (h *Host) track(ctx context.Context, frame model.Frame, fb *feedback) error {
	var owned []model.TraceSeed
	for _, seed := range fb.seeds {
		if h.owns(seed.TraceId) {
			owned = append(owned, seed)
		}
	}

	result, err := h.tracker.Track(ctx, TrackRequest{
		Frame:      frame,
		Seeds:      owned,
		Indicators: fb.cells,
		Shard:      h.shard,
		Shards:     len(h.reporters),
	})
	if err != nil {
		log.WithError(err).WithField("worker", h.taskId).Warnf("Tracker failed on frame %d, removing its traces", frame.Id)
		result = TrackResult{}
	}

	newIds := make([]string, len(result.New))
	for i := range result.New {
		newIds[i] = fmt.Sprintf("%d-%d-%d", h.taskId, frame.Id, i)
	}
	register := model.RegisterTrace{
		FrameId:     frame.Id,
		Reporter:    h.taskId,
		NewTraceIds: newIds,
		Width:       frame.Width(),
		Height:      frame.Height(),
	}
	if err := h.send(ctx, aggregator.RegisterMessage(register)); err != nil {
		return err
	}
	for i, p := range result.New {
		if err := h.send(ctx, aggregator.TraceMessage(model.UpdateTrace(frame.Id, newIds[i], p))); err != nil {
			return err
		}
	}
	for _, seed := range owned {
		msg := model.RemoveTrace(frame.Id, seed.TraceId)
		if p, ok := result.Updates[seed.TraceId]; ok {
			msg = model.UpdateTrace(frame.Id, seed.TraceId, p)
		}
		if err := h.send(ctx, aggregator.TraceMessage(msg)); err != nil {
			return err
		}
	}

	metrics.RecordFrameTracked(h.name)
	log.WithFields(log.Fields{
		"worker":  h.taskId,
		"frameId": frame.Id,
		"owned":   len(owned),
		"new":     len(newIds),
	}).Debug("Tracked frame")
	return nil
}

// send delivers msg to the aggregator, buffering control messages while it waits so that the aggregator
// is never blocked on this worker while this worker is blocked on the aggregator.
func (h *Host) send(ctx context.Context, msg aggregator.Message) error {
	for {
		select {
		case h.out <- msg:
			return nil
		case c, ok := <-h.control:
			if !ok {
				h.control = nil
				continue
			}
			h.queued = append(h.queued, c)
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}
}

func (h *Host) owns(traceId string) bool {
	if h.shard < 0 {
		return false
	}
	return h.reporters[routing.FieldsIndex(traceId, len(h.reporters))] == h.taskId
}

func frameKey(frameId int) string {
	return strconv.Itoa(frameId)
}
