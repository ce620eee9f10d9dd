package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/vidtrace/internal/vidtrace/configuration"
	"github.com/G-Research/vidtrace/internal/vidtrace/model"
	"github.com/G-Research/vidtrace/internal/vidtrace/redisio"
	"github.com/G-Research/vidtrace/internal/vidtrace/routing"
	"github.com/G-Research/vidtrace/internal/vidtrace/worker"
)

func testConfig() configuration.VidtraceConfiguration {
	return configuration.VidtraceConfiguration{
		Source: configuration.SourceConfig{
			QueueName:    "frames",
			FirstFrameId: 1,
			PollInterval: 10 * time.Millisecond,
		},
		Sink: configuration.SinkConfig{
			QueueName:       "results",
			BatchSize:       3,
			BatchDuration:   20 * time.Millisecond,
			QueueCapacity:   16,
			FullQueuePolicy: configuration.QueuePolicyBlock,
			WriteAttempts:   3,
			RetryDelay:      time.Millisecond,
		},
		Patch: configuration.PatchConfig{
			PatchWidthFraction:  0.25,
			PatchHeightFraction: 0.25,
			StrideXFraction:     0.5,
			StrideYFraction:     0.5,
			ZeroIndexPolicy:     routing.RouteAll,
		},
		Aggregation: configuration.AggregationConfig{
			MinDistance:        10,
			MaxTrackerLength:   3,
			WindowSize:         4,
			EvictionInterval:   time.Second,
			InternCacheSize:    128,
			DiagnosticInterval: 100,
		},
		Worker: configuration.WorkerConfig{
			FrameCacheTTL:    time.Minute,
			MaxPendingFrames: 2,
			TraceSpacing:     2,
		},
		Topology: configuration.TopologyConfig{
			PatchGenParallelism: 2,
			WorkerParallelism:   3,
			InboxSize:           8,
			ControlInboxSize:    4,
		},
	}
}

func TestNewTopology(t *testing.T) {
	topology, err := NewTopology(configuration.TopologyConfig{PatchGenParallelism: 2, WorkerParallelism: 3}, routing.RouteAll)
	require.NoError(t, err)

	assert.Equal(t, 1, topology.SourceTask)
	assert.Equal(t, []int{2, 3}, topology.PatchGenTasks)
	assert.Equal(t, []int{4, 5, 6}, topology.WorkerTasks)
	assert.Equal(t, 7, topology.AggregatorTask)
	assert.Equal(t, 8, topology.SinkTask)
	require.Len(t, topology.Tables, 2)

	reporters, err := topology.Reporters()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5, 6}, reporters)
}

func TestNewTopology_InvalidParallelism(t *testing.T) {
	_, err := NewTopology(configuration.TopologyConfig{PatchGenParallelism: 0, WorkerParallelism: 3}, routing.RouteAll)
	assert.Error(t, err)
	_, err = NewTopology(configuration.TopologyConfig{PatchGenParallelism: 1, WorkerParallelism: 0}, routing.RouteAll)
	assert.Error(t, err)
}

func TestTopology_Reporters(t *testing.T) {
	tests := map[string]struct {
		patchGens int
		workers   int
		policy    routing.ZeroIndexPolicy
		expected  []int
		valid     bool
	}{
		"single generator routes to all": {
			patchGens: 1,
			workers:   2,
			policy:    routing.RouteAll,
			expected:  []int{3, 4},
			valid:     true,
		},
		"single generator routes to none": {
			patchGens: 1,
			workers:   2,
			policy:    routing.RouteNone,
			valid:     false,
		},
		"third generator disagrees": {
			patchGens: 3,
			workers:   2,
			policy:    routing.RouteAll,
			valid:     false,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			topology, err := NewTopology(configuration.TopologyConfig{
				PatchGenParallelism: tc.patchGens,
				WorkerParallelism:   tc.workers,
			}, tc.policy)
			require.NoError(t, err)
			reporters, err := topology.Reporters()
			if !tc.valid {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, reporters)
		})
	}
}

func TestNew_RequiresTracker(t *testing.T) {
	_, err := New(testConfig(), nil, Collaborators{})
	assert.Error(t, err)
}

func TestNew_RejectsInconsistentRouting(t *testing.T) {
	config := testConfig()
	config.Topology.PatchGenParallelism = 3
	_, err := New(config, nil, DefaultCollaborators(config))
	assert.Error(t, err)
}

type countingAnalyzer struct {
	patches chan model.PatchIdentifier
}

func (a *countingAnalyzer) Analyze(_ context.Context, _ model.Frame, patch model.PatchIdentifier) error {
	a.patches <- patch
	return nil
}

func TestPipeline_EndToEnd(t *testing.T) {
	const frameCount = 6
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	mats := make([]model.Mat, frameCount)
	for i := range mats {
		mats[i] = model.Mat{Rows: 100, Cols: 100, Type: 0, Data: []byte{byte(i)}}
	}
	require.NoError(t, redisio.PushFrames(client, "frames", mats...))

	config := testConfig()
	config.Source.MaxFrames = frameCount
	analyzer := &countingAnalyzer{patches: make(chan model.PatchIdentifier, 1000)}
	collaborators := DefaultCollaborators(config)
	collaborators.NewAnalyzer = func(int) worker.PatchAnalyzer { return analyzer }

	p, err := New(config, client, collaborators)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	values, err := db.List("results")
	require.NoError(t, err)
	require.Len(t, values, frameCount)
	for i, value := range values {
		var record redisio.Record
		require.NoError(t, json.Unmarshal([]byte(value), &record))
		assert.Equal(t, redisio.RecordPlot, record.Kind)
		assert.Equal(t, p.RunId(), record.RunId)
		require.NotNil(t, record.Plot)
		assert.Equal(t, i+1, record.Plot.FrameId)
		assert.NotEmpty(t, record.Plot.Traces)
		assert.False(t, record.Plot.Degraded)
	}

	close(analyzer.patches)
	patchesPerFrame := map[int]int{}
	for patch := range analyzer.patches {
		patchesPerFrame[int(patch.FrameId)]++
	}
	assert.Len(t, patchesPerFrame, frameCount)
	for frameId, n := range patchesPerFrame {
		assert.Equal(t, 36, n, "frame %d", frameId)
	}
}

func TestPipeline_StopsOnCancel(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	config := testConfig()
	p, err := New(config, client, DefaultCollaborators(config))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "pipeline did not stop")
	}
}

func TestPipeline_InvalidAggregationFailsBeforeStarting(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()
	require.NoError(t, redisio.PushFrames(client, "frames", model.Mat{Rows: 100, Cols: 100}))

	config := testConfig()
	config.Aggregation.WindowSize = 1
	p, err := New(config, client, DefaultCollaborators(config))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.ErrorContains(t, err, "window size")
	case <-time.After(2 * time.Second):
		require.FailNow(t, "pipeline did not return")
	}

	// No source was started, so the frame is still queued
	frames, err := db.List("frames")
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}
