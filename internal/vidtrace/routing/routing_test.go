package routing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTable(t *testing.T) {
	workers := []int{5, 6, 7, 8, 9, 10}
	tests := map[string]struct {
		selfIndex int
		policy    ZeroIndexPolicy
		expected  []int
	}{
		"index one selects every worker": {
			selfIndex: 1,
			policy:    RouteNone,
			expected:  []int{5, 6, 7, 8, 9, 10},
		},
		"index two selects even task ids": {
			selfIndex: 2,
			policy:    RouteAll,
			expected:  []int{6, 8, 10},
		},
		"index five": {
			selfIndex: 5,
			policy:    RouteAll,
			expected:  []int{5, 10},
		},
		"index larger than every task id": {
			selfIndex: 11,
			policy:    RouteAll,
			expected:  []int{},
		},
		"index zero routes to all": {
			selfIndex: 0,
			policy:    RouteAll,
			expected:  []int{5, 6, 7, 8, 9, 10},
		},
		"index zero routes to none": {
			selfIndex: 0,
			policy:    RouteNone,
			expected:  []int{},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			table, err := NewTable(tc.selfIndex, workers, tc.policy)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, table.Targets())
			assert.Equal(t, len(tc.expected), table.Len())
		})
	}
}

func TestNewTable_Deterministic(t *testing.T) {
	a, err := NewTable(3, []int{9, 3, 12, 4, 6}, RouteAll)
	require.NoError(t, err)
	b, err := NewTable(3, []int{12, 6, 4, 3, 9}, RouteAll)
	require.NoError(t, err)
	assert.Equal(t, a.Targets(), b.Targets())
	assert.Equal(t, []int{3, 6, 9, 12}, a.Targets())
	assert.True(t, a.Contains(9))
	assert.False(t, a.Contains(4))
}

func TestNewTable_TargetsAreCopied(t *testing.T) {
	workers := []int{2, 4}
	table, err := NewTable(2, workers, RouteAll)
	require.NoError(t, err)
	targets := table.Targets()
	targets[0] = 100
	workers[1] = 100
	assert.Equal(t, []int{2, 4}, table.Targets())
}

func TestNewTable_Invalid(t *testing.T) {
	_, err := NewTable(-1, []int{1}, RouteAll)
	assert.ErrorContains(t, err, "instance index must not be negative, got -1")
	_, err = NewTable(0, []int{1}, ZeroIndexPolicy("some"))
	assert.ErrorContains(t, err, `unknown zero index policy "some"`)
}

func TestParseZeroIndexPolicy(t *testing.T) {
	p, err := ParseZeroIndexPolicy("none")
	require.NoError(t, err)
	assert.Equal(t, RouteNone, p)
	_, err = ParseZeroIndexPolicy("everything")
	assert.Error(t, err)
}

func TestShuffle_RoundRobin(t *testing.T) {
	s := NewShuffle(3)
	var got []int
	for i := 0; i < 7; i++ {
		got = append(got, s.Next())
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, got)
}

func TestShuffle_Concurrent(t *testing.T) {
	s := NewShuffle(4)
	counts := make([]int, 4)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				idx := s.Next()
				mu.Lock()
				counts[idx]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, []int{200, 200, 200, 200}, counts)
}

func TestFieldsIndex_Stable(t *testing.T) {
	for frameId := 0; frameId < 100; frameId++ {
		idx := FrameIndex(frameId, 7)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 7)
		assert.Equal(t, idx, FrameIndex(frameId, 7))
	}
	assert.Equal(t, 0, FieldsIndex("anything", 1))
}

func TestGlobalIndex(t *testing.T) {
	assert.Equal(t, -1, GlobalIndex(nil))
	assert.Equal(t, 2, GlobalIndex([]int{9, 4, 3, 8}))
}
