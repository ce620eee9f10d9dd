package worker

import (
	"context"
	"math"

	"github.com/G-Research/vidtrace/internal/vidtrace/model"
)

// TrackRequest is the work handed to a Tracker for one frame.
type TrackRequest struct {
	Frame model.Frame
	// Traces this worker is responsible for, with their position in the previous frame
	Seeds []model.TraceSeed
	// Grid cells already occupied by live traces, see Aggregator
	Indicators []int
	// Position of this worker among all reporting workers. Trackers use it to split the search for new
	// traces so that two workers do not start the same trace.
	Shard  int
	Shards int
}

// TrackResult is a Tracker's answer for one frame. Seeds missing from Updates are reported as removed.
type TrackResult struct {
	Updates map[string]model.Point
	// Starting points of traces first seen in this frame
	New []model.Point
}

// Tracker follows traces from one frame to the next.
type Tracker interface {
	Track(ctx context.Context, req TrackRequest) (TrackResult, error)
}

// PatchAnalyzer inspects one patch of a frame.
type PatchAnalyzer interface {
	Analyze(ctx context.Context, frame model.Frame, patch model.PatchIdentifier) error
}

// StaticTracker assumes nothing moves: every seed keeps its position, and new traces are started at the
// centre of every spacing-th grid cell that holds no live trace.
type StaticTracker struct {
	minDistance float64
	spacing     int
}

func NewStaticTracker(minDistance float64, spacing int) *StaticTracker {
	if spacing < 1 {
		spacing = 1
	}
	return &StaticTracker{minDistance: minDistance, spacing: spacing}
}

func (t *StaticTracker) Track(_ context.Context, req TrackRequest) (TrackResult, error) {
	result := TrackResult{Updates: make(map[string]model.Point, len(req.Seeds))}
	width, height := req.Frame.Width(), req.Frame.Height()
	for _, seed := range req.Seeds {
		if inFrame(seed.Point, width, height) {
			result.Updates[seed.TraceId] = seed.Point
		}
	}

	occupied := make(map[int]bool, len(req.Indicators))
	for _, cell := range req.Indicators {
		occupied[cell] = true
	}
	columns := int(math.Ceil(float64(width) / t.minDistance))
	rows := int(math.Ceil(float64(height) / t.minDistance))
	shards := req.Shards
	if shards < 1 {
		shards = 1
	}
	n := 0
	for row := 0; row < rows; row += t.spacing {
		for column := 0; column < columns; column += t.spacing {
			cell := row*width + column
			if occupied[cell] {
				continue
			}
			candidate := n
			n++
			if candidate%shards != req.Shard {
				continue
			}
			p := model.Point{
				X: float32((float64(column) + 0.5) * t.minDistance),
				Y: float32((float64(row) + 0.5) * t.minDistance),
			}
			if inFrame(p, width, height) {
				result.New = append(result.New, p)
			}
		}
	}
	return result, nil
}

func inFrame(p model.Point, width, height int) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < float32(width) && p.Y < float32(height)
}
