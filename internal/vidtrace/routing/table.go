package routing

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// ZeroIndexPolicy decides which workers an emitter with instance index 0 addresses, since the modulo rule
// is undefined for that index.
type ZeroIndexPolicy string

const (
	RouteAll  ZeroIndexPolicy = "all"
	RouteNone ZeroIndexPolicy = "none"
)

func ParseZeroIndexPolicy(s string) (ZeroIndexPolicy, error) {
	switch p := ZeroIndexPolicy(s); p {
	case RouteAll, RouteNone:
		return p, nil
	default:
		return "", errors.Errorf("unknown zero index policy %q, valid values are %q and %q", s, RouteAll, RouteNone)
	}
}

// Table is the precomputed set of worker task ids an emitter forwards raw frames to. Worker task id t is
// selected iff t mod selfIndex == 0. Tables are immutable once built; rebuild on topology changes.
type Table struct {
	selfIndex int
	targets   []int
}

func NewTable(selfIndex int, workerTaskIds []int, policy ZeroIndexPolicy) (*Table, error) {
	if selfIndex < 0 {
		return nil, errors.Errorf("instance index must not be negative, got %d", selfIndex)
	}
	ids := slices.Clone(workerTaskIds)
	slices.Sort(ids)

	targets := make([]int, 0, len(ids))
	if selfIndex == 0 {
		switch policy {
		case RouteAll:
			targets = append(targets, ids...)
		case RouteNone:
		default:
			return nil, errors.Errorf("unknown zero index policy %q", policy)
		}
	} else {
		for _, id := range ids {
			if id%selfIndex == 0 {
				targets = append(targets, id)
			}
		}
	}
	return &Table{selfIndex: selfIndex, targets: targets}, nil
}

// Targets returns the selected worker task ids in ascending order.
func (t *Table) Targets() []int {
	return slices.Clone(t.targets)
}

func (t *Table) Contains(taskId int) bool {
	return slices.Contains(t.targets, taskId)
}

func (t *Table) Len() int {
	return len(t.targets)
}
