package pipeline

import (
	"context"
	"sync"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/vidtrace/internal/vidtrace/aggregator"
	"github.com/G-Research/vidtrace/internal/vidtrace/configuration"
	"github.com/G-Research/vidtrace/internal/vidtrace/model"
	"github.com/G-Research/vidtrace/internal/vidtrace/patchgen"
	"github.com/G-Research/vidtrace/internal/vidtrace/redisio"
	"github.com/G-Research/vidtrace/internal/vidtrace/routing"
	"github.com/G-Research/vidtrace/internal/vidtrace/worker"
)

// Collaborators supplies the analysis implementations run by each worker task.
type Collaborators struct {
	NewTracker func(taskId int) worker.Tracker
	// Optional
	NewAnalyzer func(taskId int) worker.PatchAnalyzer
}

// DefaultCollaborators runs the static tracker and no patch analysis.
func DefaultCollaborators(config configuration.VidtraceConfiguration) Collaborators {
	return Collaborators{
		NewTracker: func(int) worker.Tracker {
			return worker.NewStaticTracker(config.Aggregation.MinDistance, config.Worker.TraceSpacing)
		},
	}
}

// Pipeline runs the whole topology in process: redis source, patch generators, workers, aggregator and
// redis sink, connected by bounded channels.
type Pipeline struct {
	config        configuration.VidtraceConfiguration
	db            redis.UniversalClient
	collaborators Collaborators
	topology      *Topology
	reporters     []int
	runId         string
}

func New(config configuration.VidtraceConfiguration, db redis.UniversalClient, collaborators Collaborators) (*Pipeline, error) {
	topology, err := NewTopology(config.Topology, config.Patch.ZeroIndexPolicy)
	if err != nil {
		return nil, err
	}
	reporters, err := topology.Reporters()
	if err != nil {
		return nil, err
	}
	if collaborators.NewTracker == nil {
		return nil, errors.New("a tracker is required")
	}
	return &Pipeline{
		config:        config,
		db:            db,
		collaborators: collaborators,
		topology:      topology,
		reporters:     reporters,
		runId:         uuid.New().String(),
	}, nil
}

func (p *Pipeline) RunId() string {
	return p.runId
}

// Run blocks until the source is exhausted and every frame read has been written out, or until ctx is
// cancelled or a component fails.
func (p *Pipeline) Run(ctx context.Context) error {
	logger := log.WithField("runId", p.runId)
	logger.WithFields(log.Fields{
		"patchGenerators": len(p.topology.PatchGenTasks),
		"workers":         len(p.topology.WorkerTasks),
		"reporters":       p.reporters,
	}).Info("Starting pipeline")

	topologyConfig := p.config.Topology
	g, ctx := errgroup.WithContext(ctx)

	genInboxes := make([]chan model.Frame, len(p.topology.PatchGenTasks))
	for i := range genInboxes {
		genInboxes[i] = make(chan model.Frame, topologyConfig.InboxSize)
	}
	workerCount := len(p.topology.WorkerTasks)
	workerData := make([]chan worker.Input, workerCount)
	workerControl := make([]chan worker.Control, workerCount)
	workerDone := make([]chan struct{}, workerCount)
	workerIndex := make(map[int]int, workerCount)
	for i, taskId := range p.topology.WorkerTasks {
		workerData[i] = make(chan worker.Input, topologyConfig.InboxSize)
		workerControl[i] = make(chan worker.Control, topologyConfig.ControlInboxSize)
		workerDone[i] = make(chan struct{})
		workerIndex[taskId] = i
	}
	aggregatorInbox := make(chan aggregator.Message, topologyConfig.InboxSize)

	// Everything that can fail is built before the first goroutine starts
	sink := redisio.NewSink(p.db, p.config.Sink)
	results := &resultEmitter{ctx: ctx, runId: p.runId, sink: sink, control: workerControl, done: workerDone}
	agg, err := aggregator.New(p.config.Aggregation, p.config.Source.FirstFrameId, len(p.reporters), results)
	if err != nil {
		return err
	}
	service := aggregator.NewService(agg, aggregatorInbox, p.config.Aggregation.EvictionInterval)

	// Sink
	g.Go(func() error {
		return sink.Run(ctx)
	})

	// Aggregator
	g.Go(func() error {
		defer sink.Close()
		return service.Run(ctx)
	})

	// Workers
	var workers sync.WaitGroup
	for i, taskId := range p.topology.WorkerTasks {
		i, taskId := i, taskId
		var analyzer worker.PatchAnalyzer
		if p.collaborators.NewAnalyzer != nil {
			analyzer = p.collaborators.NewAnalyzer(taskId)
		}
		host := worker.NewHost(
			taskId,
			p.reporters,
			p.config.Source.FirstFrameId,
			p.config.Worker,
			p.collaborators.NewTracker(taskId),
			analyzer,
			worker.Channels{Data: workerData[i], Control: workerControl[i], Out: aggregatorInbox},
		)
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			defer close(workerDone[i])
			return errors.WithMessagef(host.Run(ctx), "worker %d", taskId)
		})
	}
	g.Go(func() error {
		workers.Wait()
		close(aggregatorInbox)
		return nil
	})

	// Patch generators
	var generators sync.WaitGroup
	emitter := &patchEmitter{shuffle: routing.NewShuffle(workerCount), data: workerData, index: workerIndex}
	for i, table := range p.topology.Tables {
		inbox := genInboxes[i]
		generator := patchgen.NewGenerator(p.config.Patch, table, emitter)
		generators.Add(1)
		g.Go(func() error {
			defer generators.Done()
			for frame := range inbox {
				if _, err := generator.Process(ctx, frame); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		generators.Wait()
		for _, c := range workerData {
			close(c)
		}
		return nil
	})

	// Source
	source := redisio.NewSource(p.db, p.config.Source)
	g.Go(func() error {
		defer func() {
			for _, c := range genInboxes {
				close(c)
			}
		}()
		return source.Run(ctx, func(ctx context.Context, frame model.Frame) error {
			return send(ctx, genInboxes[routing.FrameIndex(frame.Id, len(genInboxes))], frame)
		})
	})

	err = g.Wait()
	logger.Info("Pipeline stopped")
	return err
}

// patchEmitter routes patch generator output: patches round-robin over all workers, raw frames to the
// addressed task.
type patchEmitter struct {
	shuffle *routing.Shuffle
	data    []chan worker.Input
	index   map[int]int
}

func (e *patchEmitter) EmitPatch(ctx context.Context, patch model.Patch) error {
	return send(ctx, e.data[e.shuffle.Next()], worker.Input{Patch: &patch})
}

func (e *patchEmitter) EmitDirect(ctx context.Context, taskId int, frame model.RawFrame) error {
	i, ok := e.index[taskId]
	if !ok {
		return errors.Errorf("no worker with task id %d", taskId)
	}
	return send(ctx, e.data[i], worker.Input{Frame: &frame})
}

// resultEmitter routes aggregator output: results to the sink, feedback to every worker that is still
// running.
type resultEmitter struct {
	ctx     context.Context
	runId   string
	sink    *redisio.Sink
	control []chan worker.Control
	done    []chan struct{}
}

func (e *resultEmitter) PlotTrace(plot model.PlotTrace) {
	record := redisio.PlotRecord(plot)
	record.RunId = e.runId
	e.sink.Offer(e.ctx, record)
}

func (e *resultEmitter) FrameDropped(dropped model.FrameDropped) {
	record := redisio.DroppedRecord(dropped)
	record.RunId = e.runId
	e.sink.Offer(e.ctx, record)
}

func (e *resultEmitter) CacheClean(msg model.CacheClean) {
	e.broadcast(worker.Control{CacheClean: &msg})
}

func (e *resultEmitter) IndicatorTrace(msg model.IndicatorTrace) {
	e.broadcast(worker.Control{Indicator: &msg})
}

func (e *resultEmitter) RenewTrace(msg model.RenewTrace) {
	e.broadcast(worker.Control{Renew: &msg})
}

func (e *resultEmitter) broadcast(c worker.Control) {
	for i, control := range e.control {
		select {
		case control <- c:
		case <-e.done[i]:
		case <-e.ctx.Done():
			return
		}
	}
}

func send[T any](ctx context.Context, c chan T, value T) error {
	select {
	case c <- value:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}
