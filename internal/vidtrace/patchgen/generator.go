package patchgen

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/vidtrace/internal/vidtrace/configuration"
	"github.com/G-Research/vidtrace/internal/vidtrace/metrics"
	"github.com/G-Research/vidtrace/internal/vidtrace/model"
	"github.com/G-Research/vidtrace/internal/vidtrace/routing"
)

// Emitter delivers the generator's output. EmitPatch is shuffled across workers by the caller;
// EmitDirect must reach exactly the worker with the given task id.
type Emitter interface {
	EmitPatch(ctx context.Context, patch model.Patch) error
	EmitDirect(ctx context.Context, taskId int, frame model.RawFrame) error
}

// Generator splits frames into patches and forwards raw frames to the workers selected by its routing table.
// It holds no per-frame state, so one Generator may process frames concurrently.
type Generator struct {
	config  configuration.PatchConfig
	table   *routing.Table
	emitter Emitter
}

func NewGenerator(config configuration.PatchConfig, table *routing.Table, emitter Emitter) *Generator {
	return &Generator{
		config:  config,
		table:   table,
		emitter: emitter,
	}
}

// Process emits every patch of the frame followed by the raw frame to each routed worker, and returns the
// frame's patch count.
func (g *Generator) Process(ctx context.Context, frame model.Frame) (int, error) {
	width, height := frame.Width(), frame.Height()
	geometry := ComputeGeometry(width, height, g.config)
	patchCount := geometry.Count(width, height)

	for _, id := range geometry.Enumerate(frame.Id, width, height) {
		if err := g.emitter.EmitPatch(ctx, model.Patch{Identifier: id, PatchCount: patchCount}); err != nil {
			return 0, errors.WithMessagef(err, "error emitting patch %s", id)
		}
	}

	raw := model.RawFrame{Frame: frame, PatchCount: patchCount}
	for _, taskId := range g.table.Targets() {
		if err := g.emitter.EmitDirect(ctx, taskId, raw); err != nil {
			return 0, errors.WithMessagef(err, "error forwarding frame %d to task %d", frame.Id, taskId)
		}
	}

	metrics.RecordFrameSplit(patchCount, g.table.Len())
	log.WithFields(log.Fields{
		"frameId":    frame.Id,
		"patchCount": patchCount,
		"targets":    g.table.Len(),
	}).Debug("Generated patches")
	return patchCount, nil
}
