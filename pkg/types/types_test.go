package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityWireForm(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Priority
	}{
		{"low", PriorityLow},
		{"normal", PriorityNormal},
		{"high", PriorityHigh},
	} {
		p, ok := ParsePriority(tc.in)
		require.True(t, ok, tc.in)
		assert.Equal(t, tc.want, p)
		assert.Equal(t, tc.in, p.String())
	}

	_, ok := ParsePriority("urgent")
	assert.False(t, ok)
}

func TestPriorityJSON(t *testing.T) {
	data, err := json.Marshal(PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, `"high"`, string(data))

	var p Priority
	require.NoError(t, json.Unmarshal([]byte(`"low"`), &p))
	assert.Equal(t, PriorityLow, p)

	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &p))
}

func TestStateMachine(t *testing.T) {
	assert.True(t, CanTransition(StateQueued, StateRunning))
	assert.True(t, CanTransition(StateQueued, StateCanceled))
	assert.False(t, CanTransition(StateQueued, StateDone))

	for _, terminal := range []JobState{StateDone, StateError, StateTimeout, StateCanceled} {
		assert.True(t, CanTransition(StateRunning, terminal))
		assert.True(t, terminal.Terminal())
		assert.False(t, CanTransition(terminal, StateRunning), "terminal states must be final")
	}

	assert.False(t, StateQueued.Terminal())
	assert.False(t, StateRunning.Terminal())
}

func TestErrorInfo(t *testing.T) {
	err := NewError(KindQueueFull, "capacity %d reached", 10)
	assert.Equal(t, "QueueFull: capacity 10 reached", err.Error())

	info := AsErrorInfo(err)
	assert.Same(t, err, info)

	info = AsErrorInfo(assert.AnError)
	assert.Equal(t, KindServerError, info.Kind)

	assert.Nil(t, AsErrorInfo(nil))
}

func TestErrorKindClassification(t *testing.T) {
	assert.True(t, KindBadRequest.ClientKind())
	assert.True(t, KindNotFound.ClientKind())
	assert.False(t, KindServerError.ClientKind())
	assert.False(t, KindTimeout.ClientKind())
}

func TestJobClone(t *testing.T) {
	now := time.Now()
	job := &Job{
		ID:          "job-1",
		Command:     "fibonacci",
		Params:      map[string]string{"num": "10"},
		State:       StateRunning,
		StartedAt:   &now,
		SubmittedAt: now,
		Error:       NewError(KindTimeout, "late"),
	}

	cp := job.Clone()
	cp.Params["num"] = "20"
	cp.Error.Message = "changed"
	*cp.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "10", job.Params["num"])
	assert.Equal(t, "late", job.Error.Message)
	assert.Equal(t, now, *job.StartedAt)
}

func TestCancelToken(t *testing.T) {
	var tok CancelToken
	assert.False(t, tok.Canceled())
	assert.NoError(t, tok.Check())

	tok.Cancel()
	tok.Cancel() // idempotent
	assert.True(t, tok.Canceled())

	err := tok.Check()
	require.Error(t, err)
	assert.Equal(t, KindCanceled, AsErrorInfo(err).Kind)
}
