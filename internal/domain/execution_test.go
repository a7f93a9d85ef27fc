package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestExecution() *Execution {
	return NewExecution("q1", "alice", "SELECT 1;", "SELECT 1", "duckdb", t0)
}

func TestExecution_StartTwiceFails(t *testing.T) {
	t.Parallel()

	e := newTestExecution()
	assert.Equal(t, ExecutionStatusPending, e.Status)

	require.NoError(t, e.Start(t0))
	assert.Equal(t, ExecutionStatusRunning, e.Status)
	require.NotNil(t, e.StartedAt)

	err := e.Start(t0)
	require.Error(t, err)
	var stateErr *InvalidStateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, ExecutionStatusRunning, stateErr.From)
	assert.Equal(t, "start", stateErr.Action)
}

func TestExecution_PassSetsCompleted(t *testing.T) {
	t.Parallel()

	e := newTestExecution()
	require.NoError(t, e.Start(t0))
	require.NoError(t, e.Pass(10, 1.2, t0.Add(2*time.Second)))

	assert.Equal(t, ExecutionStatusCompleted, e.Status)
	require.NotNil(t, e.RowsReturned)
	assert.Equal(t, int64(10), *e.RowsReturned)
	require.NotNil(t, e.RowsFailed)
	assert.Equal(t, int64(0), *e.RowsFailed)
	require.NotNil(t, e.ExecutionTimeSeconds)
	assert.InDelta(t, 1.2, *e.ExecutionTimeSeconds, 0.0001)
	assert.Nil(t, e.ResultPath)
}

func TestExecution_TransitionsRequireRunning(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		op   func(e *Execution) error
	}{
		{"pass", func(e *Execution) error { return e.Pass(1, 0.1, t0) }},
		{"fail", func(e *Execution) error { return e.Fail("boom", t0) }},
		{"timeout", func(e *Execution) error { return e.Timeout(30, t0) }},
		{"complete", func(e *Execution) error { return e.Complete(ResultMetrics{}, nil, nil, t0) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newTestExecution()
			err := tc.op(e)
			var stateErr *InvalidStateError
			require.ErrorAs(t, err, &stateErr)
			assert.Equal(t, ExecutionStatusPending, e.Status)
		})
	}
}

func TestExecution_TerminalStatesAreFinal(t *testing.T) {
	t.Parallel()

	e := newTestExecution()
	require.NoError(t, e.Start(t0))
	require.NoError(t, e.Fail("syntax error", t0))
	require.NotNil(t, e.ErrorMessage)
	assert.Equal(t, "syntax error", *e.ErrorMessage)
	assert.True(t, e.Status.IsTerminal())

	assert.Error(t, e.Start(t0))
	assert.Error(t, e.Fail("again", t0))
	assert.Error(t, e.Timeout(10, t0))
	assert.Error(t, e.Cancel(t0))
	assert.Equal(t, ExecutionStatusFailed, e.Status)
}

func TestExecution_TimeoutMessageMentionsBound(t *testing.T) {
	t.Parallel()

	e := newTestExecution()
	require.NoError(t, e.Start(t0))
	require.NoError(t, e.Timeout(300, t0))
	assert.Equal(t, ExecutionStatusTimeout, e.Status)
	assert.Equal(t, "Query exceeded maximum execution time of 300 seconds", *e.ErrorMessage)
}

func TestExecution_Cancel(t *testing.T) {
	t.Parallel()

	pending := newTestExecution()
	require.NoError(t, pending.Cancel(t0))
	assert.Equal(t, ExecutionStatusCancelled, pending.Status)

	running := newTestExecution()
	require.NoError(t, running.Start(t0))
	require.NoError(t, running.Cancel(t0))
	assert.Equal(t, ExecutionStatusCancelled, running.Status)
}

func TestExecution_ValidatedIsTerminal(t *testing.T) {
	t.Parallel()

	e := NewValidatedExecution("q2", "alice", "SELEC 1", "SELEC 1", "duckdb", "parser error", t0)
	assert.Equal(t, ExecutionStatusValidated, e.Status)
	require.NotNil(t, e.ErrorMessage)
	assert.Error(t, e.Start(t0))
	assert.Error(t, e.Cancel(t0))
	assert.Nil(t, e.RowsReturned)
}

func TestExecution_CanDownload(t *testing.T) {
	t.Parallel()

	path := "/results/q1/download?format=csv&token=abc"
	expires := t0.Add(24 * time.Hour)

	e := newTestExecution()
	assert.False(t, e.CanDownload(t0))
	assert.False(t, e.IsExpired(t0))

	require.NoError(t, e.Start(t0))
	require.NoError(t, e.Complete(ResultMetrics{RowsReturned: 3, BytesScanned: 128}, &path, &expires, t0))

	assert.True(t, e.CanDownload(t0))
	assert.True(t, e.CanDownload(expires))
	assert.True(t, e.IsExpired(expires.Add(time.Second)))
	assert.False(t, e.CanDownload(expires.Add(time.Second)))
}

func TestExecution_CompleteWithoutPathCannotDownload(t *testing.T) {
	t.Parallel()

	e := newTestExecution()
	require.NoError(t, e.Start(t0))
	require.NoError(t, e.Complete(ResultMetrics{RowsReturned: 1}, nil, nil, t0))
	assert.False(t, e.CanDownload(t0))
}

func TestExecutionStatus_Valid(t *testing.T) {
	t.Parallel()

	assert.True(t, ExecutionStatusPending.Valid())
	assert.True(t, ExecutionStatusValidated.Valid())
	assert.False(t, ExecutionStatus("DONE").Valid())
	assert.False(t, ExecutionStatusRunning.IsTerminal())
}
