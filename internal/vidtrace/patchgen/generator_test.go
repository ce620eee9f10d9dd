package patchgen

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/vidtrace/internal/vidtrace/model"
	"github.com/G-Research/vidtrace/internal/vidtrace/routing"
)

type directEmission struct {
	taskId int
	frame  model.RawFrame
}

type fakeEmitter struct {
	patches []model.Patch
	direct  []directEmission
	err     error
}

func (e *fakeEmitter) EmitPatch(_ context.Context, patch model.Patch) error {
	if e.err != nil {
		return e.err
	}
	e.patches = append(e.patches, patch)
	return nil
}

func (e *fakeEmitter) EmitDirect(_ context.Context, taskId int, frame model.RawFrame) error {
	if e.err != nil {
		return e.err
	}
	e.direct = append(e.direct, directEmission{taskId: taskId, frame: frame})
	return nil
}

func testFrame(id int, width, height int) model.Frame {
	return model.Frame{
		Id: id,
		Mat: model.Mat{
			Rows: int32(height),
			Cols: int32(width),
			Type: 16,
			Data: make([]byte, width*height*3),
		},
	}
}

func TestGenerator_Process(t *testing.T) {
	table, err := routing.NewTable(2, []int{4, 1, 2, 3}, routing.RouteAll)
	require.NoError(t, err)
	emitter := &fakeEmitter{}
	generator := NewGenerator(defaultPatchConfig, table, emitter)

	frame := testFrame(3, 640, 480)
	count, err := generator.Process(context.Background(), frame)
	require.NoError(t, err)

	assert.Equal(t, 49, count)
	require.Len(t, emitter.patches, 49)
	for _, p := range emitter.patches {
		assert.Equal(t, 49, p.PatchCount)
		assert.Equal(t, int32(3), p.Identifier.FrameId)
	}
	assert.Equal(t, []directEmission{
		{taskId: 2, frame: model.RawFrame{Frame: frame, PatchCount: 49}},
		{taskId: 4, frame: model.RawFrame{Frame: frame, PatchCount: 49}},
	}, emitter.direct)
}

func TestGenerator_ZeroIndex(t *testing.T) {
	tests := map[string]struct {
		policy   routing.ZeroIndexPolicy
		expected []int
	}{
		"route to all":  {policy: routing.RouteAll, expected: []int{1, 2, 3}},
		"route to none": {policy: routing.RouteNone, expected: nil},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			table, err := routing.NewTable(0, []int{3, 2, 1}, tc.policy)
			require.NoError(t, err)
			emitter := &fakeEmitter{}
			_, err = NewGenerator(defaultPatchConfig, table, emitter).Process(context.Background(), testFrame(1, 100, 100))
			require.NoError(t, err)

			var targets []int
			for _, d := range emitter.direct {
				targets = append(targets, d.taskId)
			}
			assert.Equal(t, tc.expected, targets)
		})
	}
}

func TestGenerator_DegenerateFrameStillForwarded(t *testing.T) {
	table, err := routing.NewTable(1, []int{1}, routing.RouteAll)
	require.NoError(t, err)
	emitter := &fakeEmitter{}

	count, err := NewGenerator(defaultPatchConfig, table, emitter).Process(context.Background(), testFrame(1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Empty(t, emitter.patches)
	require.Len(t, emitter.direct, 1)
	assert.Equal(t, 0, emitter.direct[0].frame.PatchCount)
}

func TestGenerator_EmitError(t *testing.T) {
	table, err := routing.NewTable(1, []int{1}, routing.RouteAll)
	require.NoError(t, err)
	emitter := &fakeEmitter{err: errors.New("queue closed")}

	_, err = NewGenerator(defaultPatchConfig, table, emitter).Process(context.Background(), testFrame(1, 100, 100))
	assert.ErrorContains(t, err, "queue closed")
}
