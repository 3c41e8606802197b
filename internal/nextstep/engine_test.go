package nextstep

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	inputs map[uuid.UUID]*Inputs
	err    error
}

func (f *fakeSource) Inputs(_ context.Context, id uuid.UUID) (*Inputs, error) {
	if f.err != nil {
		return nil, f.err
	}
	in, ok := f.inputs[id]
	if !ok {
		return nil, ErrEpisodeNotFound
	}
	return in, nil
}

func (f *fakeSource) BatchInputs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*Inputs, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[uuid.UUID]*Inputs)
	for _, id := range ids {
		if in, ok := f.inputs[id]; ok {
			out[id] = in
		}
	}
	return out, nil
}

func TestEngineNextRequiredStep(t *testing.T) {
	id := uuid.New()
	src := &fakeSource{inputs: map[uuid.UUID]*Inputs{
		id: {EpisodeID: id, OpenedAt: day(2024, 1, 1), Steps: threeStepPathway()},
	}}
	engine := NewEngine(src, nil)

	res, err := engine.NextRequiredStep(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "consult", res.Step.Code)

	_, err = engine.NextRequiredStep(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrEpisodeNotFound)
}

func TestEnginePropagatesLoadFailures(t *testing.T) {
	boom := errors.New("pathway table unreadable")
	engine := NewEngine(&fakeSource{err: boom}, nil)

	_, err := engine.AllPendingSteps(context.Background(), uuid.New())
	assert.ErrorIs(t, err, boom)
	_, err = engine.ExpandBatch(context.Background(), []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, boom)
}

func TestEngineAllPendingSteps(t *testing.T) {
	id := uuid.New()
	src := &fakeSource{inputs: map[uuid.UUID]*Inputs{
		id: {EpisodeID: id, OpenedAt: day(2024, 1, 1), Steps: threeStepPathway()},
	}}

	exp, err := NewEngine(src, nil).AllPendingSteps(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, exp.Steps, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{exp.Steps[0].Seq, exp.Steps[1].Seq, exp.Steps[2].Seq})
}
