package ingest

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// Batcher batches up items from a channel. A batch is passed to the callback whenever maxItems have been
// received or maxTimeout has elapsed since the batch was started, whichever occurs first. When the input
// channel closes or ctx is done, any partial batch is flushed before Run returns. Items still buffered in
// the input channel after ctx is done are left for the caller.
type Batcher[T any] struct {
	input      <-chan T
	maxItems   int
	maxTimeout time.Duration
	clock      clock.Clock
	callback   func([]T)
	buffer     []T
}

func NewBatcher[T any](input <-chan T, maxItems int, maxTimeout time.Duration, callback func([]T)) *Batcher[T] {
	if maxItems < 1 {
		maxItems = 1
	}
	return &Batcher[T]{
		input:      input,
		maxItems:   maxItems,
		maxTimeout: maxTimeout,
		callback:   callback,
		clock:      clock.RealClock{},
	}
}

func (b *Batcher[T]) Run(ctx context.Context) {
	for {
		b.buffer = make([]T, 0, b.maxItems)
		expire := b.clock.After(b.maxTimeout)
		for appendToBatch := true; appendToBatch; {
			select {
			case <-ctx.Done():
				if len(b.buffer) > 0 {
					b.callback(b.buffer)
				}
				log.Info("Batcher: context is done")
				return
			case value, ok := <-b.input:
				if !ok {
					if len(b.buffer) > 0 {
						b.callback(b.buffer)
					}
					log.Info("Batcher: input closed")
					return
				}
				b.buffer = append(b.buffer, value)
				if len(b.buffer) == b.maxItems {
					b.callback(b.buffer)
					appendToBatch = false
				}
			case <-expire:
				if len(b.buffer) > 0 {
					b.callback(b.buffer)
				}
				appendToBatch = false
			}
		}
	}
}
