package redisio

import (
	"context"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/vidtrace/internal/vidtrace/configuration"
	"github.com/G-Research/vidtrace/internal/vidtrace/metrics"
	"github.com/G-Research/vidtrace/internal/vidtrace/model"
)

// Source pops binary mat records off a redis list and turns them into frames with consecutive ids.
type Source struct {
	db     redis.UniversalClient
	config configuration.SourceConfig
	clock  clock.Clock
}

func NewSource(db redis.UniversalClient, config configuration.SourceConfig) *Source {
	return &Source{
		db:     db,
		config: config,
		clock:  clock.RealClock{},
	}
}

// Run passes frames to emit in id order until ctx is cancelled or MaxFrames frames have been read.
// Records that do not decode are logged and skipped without using up an id. Redis errors are retried
// after the poll interval.
func (s *Source) Run(ctx context.Context, emit func(context.Context, model.Frame) error) error {
	nextId := s.config.FirstFrameId
	read := 0
	for s.config.MaxFrames == 0 || read < s.config.MaxFrames {
		if ctx.Err() != nil {
			return nil
		}
		data, err := s.db.LPop(s.config.QueueName).Bytes()
		if err == redis.Nil {
			s.wait(ctx)
			continue
		}
		if err != nil {
			log.WithError(err).Warnf("Error reading frame from %s, retrying", s.config.QueueName)
			s.wait(ctx)
			continue
		}

		mat := model.Mat{}
		if err := mat.UnmarshalBinary(data); err != nil {
			metrics.RecordFrameUndecodable()
			log.WithError(err).Warnf("Skipping undecodable record of %d bytes from %s", len(data), s.config.QueueName)
			continue
		}
		frame := model.Frame{Id: nextId, Mat: mat}
		nextId++
		read++
		metrics.RecordFrameSourced()
		if err := emit(ctx, frame); err != nil {
			return errors.WithMessagef(err, "error emitting frame %d", frame.Id)
		}
	}
	log.Infof("Read %d frames from %s, source finished", read, s.config.QueueName)
	return nil
}

func (s *Source) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.clock.After(s.config.PollInterval):
	}
}

// PushFrames appends encoded frames to the tail of a source queue.
func PushFrames(db redis.UniversalClient, queueName string, mats ...model.Mat) error {
	if len(mats) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(mats))
	for _, mat := range mats {
		data, err := mat.MarshalBinary()
		if err != nil {
			return err
		}
		values = append(values, data)
	}
	return errors.WithStack(db.RPush(queueName, values...).Err())
}
