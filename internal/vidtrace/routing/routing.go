// Package routing implements the stream groupings used to address messages to component instances:
// shuffle (load spreading), fields (consistent by key), global (single instance), all (broadcast) and
// direct (explicit task ids, see Table).
package routing

import (
	"hash/fnv"
	"strconv"
	"sync/atomic"
)

// Shuffle spreads messages over n instances round-robin. It is safe for concurrent use.
type Shuffle struct {
	next uint64
	n    uint64
}

func NewShuffle(n int) *Shuffle {
	if n <= 0 {
		panic("shuffle grouping needs at least one target")
	}
	return &Shuffle{n: uint64(n)}
}

// Next returns the index of the instance that should receive the next message.
func (s *Shuffle) Next() int {
	return int((atomic.AddUint64(&s.next, 1) - 1) % s.n)
}

// FieldsIndex maps key onto one of n instances. The same key always maps to the same instance for a given n.
func FieldsIndex(key string, n int) int {
	if n <= 0 {
		panic("fields grouping needs at least one target")
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// FrameIndex is the fields grouping keyed by frame id, used for every message addressed to the aggregator tier.
func FrameIndex(frameId int, n int) int {
	return FieldsIndex(strconv.Itoa(frameId), n)
}

// GlobalIndex returns the index of the instance with the lowest task id, or -1 if there are none.
func GlobalIndex(taskIds []int) int {
	idx := -1
	for i, id := range taskIds {
		if idx == -1 || id < taskIds[idx] {
			idx = i
		}
	}
	return idx
}
