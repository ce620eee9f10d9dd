package redisio

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	pool "github.com/jolestar/go-commons-pool"
	"github.com/pkg/errors"
	"github.com/renstrom/shortuuid"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/vidtrace/internal/common/ingest"
	"github.com/G-Research/vidtrace/internal/vidtrace/configuration"
	"github.com/G-Research/vidtrace/internal/vidtrace/metrics"
	"github.com/G-Research/vidtrace/internal/vidtrace/model"
)

type RecordKind string

const (
	RecordPlot    RecordKind = "plot"
	RecordDropped RecordKind = "dropped"
)

// Record is one entry of the result queue, stored as json. Id is assigned when the record is queued and
// lets readers discard the duplicates a retried write can leave behind.
type Record struct {
	Id      string              `json:"id,omitempty"`
	Kind    RecordKind          `json:"kind"`
	RunId   string              `json:"runId,omitempty"`
	Plot    *model.PlotTrace    `json:"plot,omitempty"`
	Dropped *model.FrameDropped `json:"dropped,omitempty"`
}

func PlotRecord(plot model.PlotTrace) Record {
	return Record{Kind: RecordPlot, Plot: &plot}
}

func DroppedRecord(dropped model.FrameDropped) Record {
	return Record{Kind: RecordDropped, Dropped: &dropped}
}

// Sink writes results to a redis list from a background goroutine. Producers hand records over through a
// bounded queue; when it is full they either wait or lose the record, depending on FullQueuePolicy.
type Sink struct {
	db        redis.UniversalClient
	config    configuration.SinkConfig
	queue     chan Record
	encoders  *pool.ObjectPool
	closeOnce sync.Once
}

type recordEncoder struct {
	buf *bytes.Buffer
	enc *json.Encoder
}

// encode returns a copy of the json encoding of record, without the trailing newline.
func (e *recordEncoder) encode(record Record) ([]byte, error) {
	e.buf.Reset()
	if err := e.enc.Encode(record); err != nil {
		return nil, errors.WithStack(err)
	}
	return append([]byte(nil), bytes.TrimSuffix(e.buf.Bytes(), []byte("\n"))...), nil
}

func NewSink(db redis.UniversalClient, config configuration.SinkConfig) *Sink {
	poolConfig := pool.NewDefaultPoolConfig()
	poolConfig.MaxTotal = 4
	poolConfig.MaxIdle = 4
	encoders := pool.NewObjectPool(context.Background(), pool.NewPooledObjectFactorySimple(
		func(context.Context) (interface{}, error) {
			buf := &bytes.Buffer{}
			return &recordEncoder{buf: buf, enc: json.NewEncoder(buf)}, nil
		}), poolConfig)
	return &Sink{
		db:       db,
		config:   config,
		queue:    make(chan Record, config.QueueCapacity),
		encoders: encoders,
	}
}

// Offer queues a record for writing. It reports whether the record was queued; with the drop policy a
// full queue discards the record. With the block policy Offer waits for room or for ctx to be done.
// Records offered after ctx is done are discarded and counted.
func (s *Sink) Offer(ctx context.Context, record Record) bool {
	defer metrics.SetSinkQueueDepth(len(s.queue))
	if ctx.Err() != nil {
		metrics.RecordSinkRecordDropped()
		log.Warnf("Shutting down, dropping %s record", record.Kind)
		return false
	}
	if record.Id == "" {
		record.Id = shortuuid.New()
	}
	if s.config.FullQueuePolicy == configuration.QueuePolicyDrop {
		select {
		case s.queue <- record:
			return true
		default:
			metrics.RecordSinkRecordDropped()
			log.Warnf("Result queue full, dropping %s record", record.Kind)
			return false
		}
	}
	select {
	case s.queue <- record:
		return true
	case <-ctx.Done():
		metrics.RecordSinkRecordDropped()
		log.Warnf("Shutting down, dropping %s record", record.Kind)
		return false
	}
}

// Close stops accepting records. Run writes what is already queued and then returns.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.queue) })
}

// Run writes queued records in batches of up to BatchSize, waiting at most BatchDuration for a batch to
// fill, until the sink is closed or ctx is cancelled. On cancellation the records already queued are
// still written before Run returns.
func (s *Sink) Run(ctx context.Context) error {
	batcher := ingest.NewBatcher[Record](s.queue, s.config.BatchSize, s.config.BatchDuration, s.flush)
	batcher.Run(ctx)
	if ctx.Err() != nil {
		s.drain()
	}
	return nil
}

func (s *Sink) flush(batch []Record) {
	if err := s.write(batch); err != nil {
		for range batch {
			metrics.RecordSinkRecordDropped()
		}
		log.WithError(err).Errorf("Lost %d result records", len(batch))
	}
	metrics.SetSinkQueueDepth(len(s.queue))
}

// drain writes whatever is left in the queue without waiting for more.
func (s *Sink) drain() {
	drained := 0
	batch := make([]Record, 0, s.config.BatchSize)
	for {
		select {
		case record, ok := <-s.queue:
			if ok {
				batch = append(batch, record)
				drained++
				if len(batch) < s.config.BatchSize {
					continue
				}
				s.flush(batch)
				batch = make([]Record, 0, s.config.BatchSize)
				continue
			}
		default:
		}
		if len(batch) > 0 {
			s.flush(batch)
		}
		if drained > 0 {
			log.Infof("Wrote %d queued result records while shutting down", drained)
		}
		return
	}
}

func (s *Sink) write(batch []Record) error {
	object, err := s.encoders.BorrowObject(context.Background())
	if err != nil {
		return errors.WithStack(err)
	}
	defer func(encoders *pool.ObjectPool, ctx context.Context, object interface{}) {
		if err := encoders.ReturnObject(ctx, object); err != nil {
			log.WithError(err).Error("Error returning encoder to pool")
		}
	}(s.encoders, context.Background(), object)
	encoder := object.(*recordEncoder)

	values := make([]interface{}, 0, len(batch))
	for _, record := range batch {
		data, err := encoder.encode(record)
		if err != nil {
			log.WithError(err).Errorf("Error encoding %s record", record.Kind)
			continue
		}
		values = append(values, data)
	}
	if len(values) == 0 {
		return nil
	}

	err = retry.Do(
		func() error {
			pipe := s.db.Pipeline()
			pipe.RPush(s.config.QueueName, values...)
			if s.config.MaxQueueLength > 0 {
				pipe.LTrim(s.config.QueueName, -s.config.MaxQueueLength, -1)
			}
			_, err := pipe.Exec()
			return err
		},
		retry.Attempts(s.config.WriteAttempts),
		retry.Delay(s.config.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Error writing results to %s (attempt %d)", s.config.QueueName, n+1)
		}),
	)
	metrics.RecordSinkBatch(err)
	return errors.Wrapf(err, "error writing %d records to %s", len(values), s.config.QueueName)
}
