package redisio

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/vidtrace/internal/vidtrace/configuration"
	"github.com/G-Research/vidtrace/internal/vidtrace/metrics"
	"github.com/G-Research/vidtrace/internal/vidtrace/model"
)

var testSourceConfig = configuration.SourceConfig{
	QueueName:    "frames",
	FirstFrameId: 1,
	PollInterval: 10 * time.Millisecond,
}

var testSinkConfig = configuration.SinkConfig{
	QueueName:       "results",
	BatchSize:       2,
	BatchDuration:   time.Hour,
	QueueCapacity:   10,
	FullQueuePolicy: configuration.QueuePolicyBlock,
	WriteAttempts:   2,
	RetryDelay:      time.Millisecond,
}

func withRedis(t *testing.T, action func(db *miniredis.Miniredis, client redis.UniversalClient)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()
	action(db, client)
}

func testMat(rows, cols int32) model.Mat {
	return model.Mat{Rows: rows, Cols: cols, Type: 16, Data: []byte{1, 2, 3}}
}

type frameCollector struct {
	frames chan model.Frame
}

func (c *frameCollector) emit(_ context.Context, frame model.Frame) error {
	c.frames <- frame
	return nil
}

func TestSource_AssignsConsecutiveIds(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		require.NoError(t, PushFrames(client, "frames", testMat(10, 20)))
		db.Push("frames", "not a mat")
		require.NoError(t, PushFrames(client, "frames", testMat(30, 40), testMat(50, 60)))

		config := testSourceConfig
		config.MaxFrames = 3
		collector := &frameCollector{frames: make(chan model.Frame, 10)}
		require.NoError(t, NewSource(client, config).Run(context.Background(), collector.emit))
		close(collector.frames)

		var frames []model.Frame
		for f := range collector.frames {
			frames = append(frames, f)
		}
		require.Len(t, frames, 3)
		assert.Equal(t, model.Frame{Id: 1, Mat: testMat(10, 20)}, frames[0])
		assert.Equal(t, 2, frames[1].Id)
		assert.Equal(t, 40, frames[1].Width())
		assert.Equal(t, 3, frames[2].Id)
		assert.Equal(t, 50, frames[2].Height())
	})
}

func TestSource_PollsEmptyQueue(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		config := testSourceConfig
		config.MaxFrames = 1
		config.FirstFrameId = 5
		collector := &frameCollector{frames: make(chan model.Frame, 1)}
		done := make(chan error, 1)
		go func() { done <- NewSource(client, config).Run(context.Background(), collector.emit) }()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, PushFrames(client, "frames", testMat(1, 1)))

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			require.FailNow(t, "source did not pick up the frame")
		}
		assert.Equal(t, 5, (<-collector.frames).Id)
	})
}

func TestSource_StopsOnCancel(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- NewSource(client, testSourceConfig).Run(ctx, func(context.Context, model.Frame) error { return nil })
		}()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			require.FailNow(t, "source did not stop")
		}
	})
}

func TestSink_WritesBatches(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		sink := NewSink(client, testSinkConfig)
		ctx := context.Background()
		plot := model.PlotTrace{FrameId: 1, Traces: map[string][]model.Point{"A": {{X: 1, Y: 2}}}}
		dropped := model.FrameDropped{FrameId: 2, Reason: model.DropReasonExpired, LostTraces: 3}

		assert.True(t, sink.Offer(ctx, PlotRecord(plot)))
		assert.True(t, sink.Offer(ctx, DroppedRecord(dropped)))
		assert.True(t, sink.Offer(ctx, PlotRecord(model.PlotTrace{FrameId: 3, Traces: map[string][]model.Point{}})))
		sink.Close()
		require.NoError(t, sink.Run(ctx))

		values, err := db.List("results")
		require.NoError(t, err)
		require.Len(t, values, 3)

		records := make([]Record, len(values))
		ids := map[string]bool{}
		for i, value := range values {
			require.NoError(t, json.Unmarshal([]byte(value), &records[i]))
			require.NotEmpty(t, records[i].Id)
			ids[records[i].Id] = true
			records[i].Id = ""
		}
		assert.Len(t, ids, 3)
		assert.Equal(t, PlotRecord(plot), records[0])
		assert.Equal(t, DroppedRecord(dropped), records[1])
		assert.Equal(t, PlotRecord(model.PlotTrace{FrameId: 3, Traces: map[string][]model.Point{}}), records[2])
		assert.NotContains(t, values[2], "\n")
	})
}

func TestSink_KeepsAssignedId(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		sink := NewSink(client, testSinkConfig)
		record := PlotRecord(model.PlotTrace{FrameId: 1, Traces: map[string][]model.Point{}})
		record.Id = "fixed"
		assert.True(t, sink.Offer(context.Background(), record))
		sink.Close()
		require.NoError(t, sink.Run(context.Background()))

		values, err := db.List("results")
		require.NoError(t, err)
		require.Len(t, values, 1)
		assert.JSONEq(t, `{"id":"fixed","kind":"plot","plot":{"frameId":1,"traces":{}}}`, values[0])
	})
}

func TestSink_WritesQueuedRecordsOnCancel(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		config := testSinkConfig
		config.BatchSize = 10
		sink := NewSink(client, config)
		ctx, cancel := context.WithCancel(context.Background())
		for i := 1; i <= 3; i++ {
			require.True(t, sink.Offer(ctx, PlotRecord(model.PlotTrace{FrameId: i})))
		}
		cancel()

		done := make(chan error, 1)
		go func() { done <- sink.Run(ctx) }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			require.FailNow(t, "sink did not stop")
		}

		values, err := db.List("results")
		require.NoError(t, err)
		require.Len(t, values, 3)
		assert.Contains(t, values[2], `"frameId":3`)
	})
}

func TestSink_DropsRecordsOfferedAfterCancel(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		sink := NewSink(client, testSinkConfig)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		before := testutil.ToFloat64(metrics.SinkRecordsDropped())
		assert.False(t, sink.Offer(ctx, PlotRecord(model.PlotTrace{FrameId: 1})))
		assert.Equal(t, before+1, testutil.ToFloat64(metrics.SinkRecordsDropped()))
	})
}

func TestSink_TrimsQueue(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		config := testSinkConfig
		config.MaxQueueLength = 2
		sink := NewSink(client, config)
		for i := 1; i <= 5; i++ {
			sink.Offer(context.Background(), PlotRecord(model.PlotTrace{FrameId: i}))
		}
		sink.Close()
		require.NoError(t, sink.Run(context.Background()))

		values, err := db.List("results")
		require.NoError(t, err)
		require.Len(t, values, 2)
		assert.Contains(t, values[1], `"frameId":5`)
	})
}

func TestSink_DropPolicy(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		config := testSinkConfig
		config.QueueCapacity = 1
		config.FullQueuePolicy = configuration.QueuePolicyDrop
		sink := NewSink(client, config)

		before := testutil.ToFloat64(metrics.SinkRecordsDropped())
		assert.True(t, sink.Offer(context.Background(), PlotRecord(model.PlotTrace{FrameId: 1})))
		assert.False(t, sink.Offer(context.Background(), PlotRecord(model.PlotTrace{FrameId: 2})))
		assert.Equal(t, before+1, testutil.ToFloat64(metrics.SinkRecordsDropped()))
	})
}

func TestSink_BlockPolicy(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		config := testSinkConfig
		config.QueueCapacity = 1
		sink := NewSink(client, config)
		assert.True(t, sink.Offer(context.Background(), PlotRecord(model.PlotTrace{FrameId: 1})))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		assert.False(t, sink.Offer(ctx, PlotRecord(model.PlotTrace{FrameId: 2})))
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})
}

func TestSink_WriteFailure(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: db.Addr(), MaxRetries: 0})
	defer client.Close()
	db.Close()

	sink := NewSink(client, testSinkConfig)
	err = sink.write([]Record{PlotRecord(model.PlotTrace{FrameId: 1})})
	assert.Error(t, err)
}
