package pipeline

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/G-Research/vidtrace/internal/vidtrace/configuration"
	"github.com/G-Research/vidtrace/internal/vidtrace/routing"
)

// Topology assigns task ids to every component instance, numbering them from 1 in the order source,
// patch generators, workers, aggregator, sink.
type Topology struct {
	SourceTask     int
	PatchGenTasks  []int
	WorkerTasks    []int
	AggregatorTask int
	SinkTask       int
	// Routing table of each patch generator, by instance index
	Tables []*routing.Table
}

func NewTopology(topology configuration.TopologyConfig, policy routing.ZeroIndexPolicy) (*Topology, error) {
	if topology.PatchGenParallelism < 1 || topology.WorkerParallelism < 1 {
		return nil, errors.Errorf("parallelism must be positive, got %d patch generators and %d workers",
			topology.PatchGenParallelism, topology.WorkerParallelism)
	}
	t := &Topology{}
	next := 1
	take := func(n int) []int {
		ids := make([]int, n)
		for i := range ids {
			ids[i] = next
			next++
		}
		return ids
	}
	t.SourceTask = take(1)[0]
	t.PatchGenTasks = take(topology.PatchGenParallelism)
	t.WorkerTasks = take(topology.WorkerParallelism)
	t.AggregatorTask = take(1)[0]
	t.SinkTask = take(1)[0]

	for index := range t.PatchGenTasks {
		table, err := routing.NewTable(index, t.WorkerTasks, policy)
		if err != nil {
			return nil, err
		}
		t.Tables = append(t.Tables, table)
	}
	return t, nil
}

// Reporters returns the workers that receive raw frames, and therefore register every frame with the
// aggregator. Every patch generator must address the same workers, otherwise a worker would miss frames
// the aggregator waits on.
func (t *Topology) Reporters() ([]int, error) {
	reporters := t.Tables[0].Targets()
	for index, table := range t.Tables[1:] {
		if !slices.Equal(reporters, table.Targets()) {
			return nil, errors.Errorf("patch generator %d forwards frames to workers %v but patch generator 0 forwards to %v",
				index+1, table.Targets(), reporters)
		}
	}
	if len(reporters) == 0 {
		return nil, errors.New("no worker receives raw frames, check the zero index policy and worker parallelism")
	}
	return reporters, nil
}
