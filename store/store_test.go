package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubedrop/types"
)

func newTestStore(t *testing.T) *TaskStore {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTask(id string, createdAt time.Time) *types.Task {
	return &types.Task{
		ID:        id,
		URL:       "https://example.com/watch?v=" + id,
		Status:    types.StatusQueued,
		CreatedAt: createdAt,
	}
}

func TestCreateAndGet(t *testing.T) {
	st := newTestStore(t)

	task := newTask("t1", time.Now())
	task.Title = "a title"
	task.FormatID = "137+140"
	require.NoError(t, st.Create(task))

	got, err := st.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.URL, got.URL)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Equal(t, "a title", got.Title)
	assert.Equal(t, "137+140", got.FormatID)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.CompletedAt)
}

func TestCreateDuplicate(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.Create(newTask("t1", time.Now())))
	err := st.Create(newTask("t1", time.Now()))
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestGetMissing(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Get("nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

// TestListOrdering verifies history comes back newest first with paging
func TestListOrdering(t *testing.T) {
	st := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		require.NoError(t, st.Create(newTask(id, base.Add(time.Duration(i)*time.Minute))))
	}

	tasks, err := st.List(0, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 5)
	assert.Equal(t, "t4", tasks[0].ID)
	assert.Equal(t, "t0", tasks[4].ID)

	page, err := st.List(2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "t3", page[0].ID)
	assert.Equal(t, "t2", page[1].ID)
}

func TestUpdate(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create(newTask("t1", time.Now())))

	err := st.Update("t1", func(task *types.Task) error {
		task.Status = types.StatusDownloadingVideo
		task.Progress = types.Progress{Percent: 42, Speed: "2.1 MB/s"}
		return nil
	})
	require.NoError(t, err)

	got, err := st.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDownloadingVideo, got.Status)
	assert.InDelta(t, 42, got.Progress.Percent, 0.001)
	assert.Equal(t, "2.1 MB/s", got.Progress.Speed)
}

func TestUpdateMutateError(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create(newTask("t1", time.Now())))

	wantErr := fmt.Errorf("boom")
	err := st.Update("t1", func(task *types.Task) error {
		task.Status = types.StatusResolving
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// the failed mutation must not have been written
	got, gerr := st.Get("t1")
	require.NoError(t, gerr)
	assert.Equal(t, types.StatusQueued, got.Status)
}

// TestUpdateTerminalRejected verifies terminal records are immutable
func TestUpdateTerminalRejected(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create(newTask("t1", time.Now())))

	now := time.Now()
	require.NoError(t, st.Update("t1", func(task *types.Task) error {
		task.Status = types.StatusCompleted
		task.CompletedAt = &now
		return nil
	}))

	err := st.Update("t1", func(task *types.Task) error {
		task.Progress.Percent = 0
		return nil
	})
	assert.ErrorIs(t, err, ErrTaskTerminal)
}

// TestErrorRoundTrip verifies the error detail survives storage, including
// the retry counter on a task that later completed
func TestErrorRoundTrip(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create(newTask("t1", time.Now())))

	attempt := time.Now().Round(time.Second)
	require.NoError(t, st.Update("t1", func(task *types.Task) error {
		task.Error = &types.ErrorDetail{
			Kind:          types.ErrKindNetwork,
			Message:       "connection reset",
			RetryCount:    2,
			LastAttemptAt: &attempt,
		}
		return nil
	}))

	got, err := st.Get("t1")
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, types.ErrKindNetwork, got.Error.Kind)
	assert.Equal(t, "connection reset", got.Error.Message)
	assert.Equal(t, 2, got.Error.RetryCount)
	require.NotNil(t, got.Error.LastAttemptAt)
	assert.WithinDuration(t, attempt, *got.Error.LastAttemptAt, time.Second)
}

func TestDelete(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create(newTask("t1", time.Now())))

	require.NoError(t, st.Delete("t1"))
	_, err := st.Get("t1")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	assert.ErrorIs(t, st.Delete("t1"), ErrTaskNotFound)
}
