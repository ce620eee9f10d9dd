package aggregator

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/G-Research/vidtrace/internal/vidtrace/model"
)

// frameState is everything the aggregator knows about one open frame.
type frameState struct {
	frameId int
	// Traces still awaiting an update or removal for this frame
	monitored map[string]struct{}
	// Trace messages received before every reporter had registered, in arrival order
	pending   []model.TraceMessage
	reporters map[int]struct{}
	width     int
	height    int
	createdAt time.Time
	// Set once the previous frame has finalized (or for the first frame on first contact). Only seeded
	// frames accept registrations or finalize.
	seeded   bool
	degraded bool
}

func newFrameState(frameId int, now time.Time) *frameState {
	return &frameState{
		frameId:   frameId,
		monitored: map[string]struct{}{},
		reporters: map[int]struct{}{},
		createdAt: now,
	}
}

// arena holds open frame states in a fixed ring indexed by frame id modulo its size. Callers keep all
// open frames within one window of consecutive ids, so two open frames never share a slot.
type arena struct {
	slots []*frameState
	live  int
}

func newArena(size int) *arena {
	return &arena{slots: make([]*frameState, size)}
}

func (a *arena) size() int {
	return len(a.slots)
}

func (a *arena) slot(frameId int) int {
	return frameId % len(a.slots)
}

// get returns the state for frameId, or nil if that frame is not open.
func (a *arena) get(frameId int) *frameState {
	state := a.slots[a.slot(frameId)]
	if state == nil || state.frameId != frameId {
		return nil
	}
	return state
}

func (a *arena) put(state *frameState) {
	i := a.slot(state.frameId)
	if existing := a.slots[i]; existing != nil {
		if existing.frameId != state.frameId {
			panic("aggregation arena slot collision")
		}
	} else {
		a.live++
	}
	a.slots[i] = state
}

func (a *arena) remove(frameId int) *frameState {
	state := a.get(frameId)
	if state == nil {
		return nil
	}
	a.slots[a.slot(frameId)] = nil
	a.live--
	return state
}

// open returns the open states ordered by frame id.
func (a *arena) open() []*frameState {
	states := make([]*frameState, 0, a.live)
	for _, state := range a.slots {
		if state != nil {
			states = append(states, state)
		}
	}
	slices.SortFunc(states, func(a, b *frameState) bool {
		return a.frameId < b.frameId
	})
	return states
}
