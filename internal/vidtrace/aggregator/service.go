package aggregator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/vidtrace/internal/common/task"
	"github.com/G-Research/vidtrace/internal/vidtrace/metrics"
	"github.com/G-Research/vidtrace/internal/vidtrace/model"
)

// Message is one entry of the aggregator inbox. Exactly one field is set.
type Message struct {
	Register *model.RegisterTrace
	Trace    *model.TraceMessage
}

func RegisterMessage(msg model.RegisterTrace) Message {
	return Message{Register: &msg}
}

func TraceMessage(msg model.TraceMessage) Message {
	return Message{Trace: &msg}
}

func (m Message) FrameId() int {
	if m.Register != nil {
		return m.Register.FrameId
	}
	if m.Trace != nil {
		return m.Trace.FrameId
	}
	return 0
}

// Service drives one Aggregator from a single goroutine, interleaving inbox messages with periodic
// eviction of stale frames.
type Service struct {
	aggregator       *Aggregator
	inbox            <-chan Message
	evictionInterval time.Duration
}

func NewService(aggregator *Aggregator, inbox <-chan Message, evictionInterval time.Duration) *Service {
	return &Service{
		aggregator:       aggregator,
		inbox:            inbox,
		evictionInterval: evictionInterval,
	}
}

// Run processes messages until ctx is cancelled or the inbox is closed. Rejected messages are logged and
// do not stop the service.
func (s *Service) Run(ctx context.Context) error {
	sweeps := make(chan struct{}, 1)
	tasks := task.NewBackgroundTaskManager(metrics.MetricPrefix + "aggregator_")
	tasks.Register(func() {
		select {
		case sweeps <- struct{}{}:
		default:
		}
	}, s.evictionInterval, "eviction")
	defer func() {
		if tasks.StopAll(5 * time.Second) {
			log.Warn("Timed out waiting for aggregator background tasks to stop")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("Aggregator: context is done")
			return nil
		case msg, ok := <-s.inbox:
			if !ok {
				log.Info("Aggregator: inbox closed")
				return nil
			}
			s.handle(msg)
		case <-sweeps:
			if evicted := s.aggregator.EvictStale(); evicted > 0 {
				log.Infof("Evicted %d stale frames, now waiting on frame %d", evicted, s.aggregator.Barrier())
			}
		}
	}
}

func (s *Service) handle(msg Message) {
	var err error
	switch {
	case msg.Register != nil:
		err = s.aggregator.Register(*msg.Register)
	case msg.Trace != nil:
		err = s.aggregator.Handle(*msg.Trace)
	default:
		log.Warn("Ignoring empty aggregator message")
		return
	}
	if err != nil {
		logRejection(msg.FrameId(), err)
	}
}

func logRejection(frameId int, err error) {
	logger := log.WithField("frameId", frameId).WithError(err)
	var violation *ErrConsistencyViolation
	var outOfWindow *ErrFrameOutOfWindow
	switch {
	case errors.As(err, &violation):
		logger.Warn("Rejected aggregation message, frame is degraded")
	case errors.As(err, &outOfWindow):
		logger.Warn("Rejected aggregation message outside the window")
	default:
		logger.Error("Error handling aggregation message")
	}
}
