package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubedrop/types"
)

func snapshot(id string, status types.TaskStatus, percent float64) *types.Task {
	return &types.Task{
		ID:       id,
		URL:      "https://example.com/v",
		Status:   status,
		Progress: types.Progress{Percent: percent},
	}
}

func receiveSnapshot(t *testing.T, ch <-chan *types.Task) *types.Task {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "channel closed before a snapshot arrived")
		return snap
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func requireClosed(t *testing.T, ch <-chan *types.Task) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected channel to be closed")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

// TestBroadcasterLatest verifies the poll model: the newest published
// snapshot is always retrievable
func TestBroadcasterLatest(t *testing.T) {
	b := NewBroadcaster(time.Millisecond)

	_, ok := b.Latest("missing")
	assert.False(t, ok)

	b.Publish(snapshot("t1", types.StatusDownloadingVideo, 10), true)
	b.Publish(snapshot("t1", types.StatusDownloadingVideo, 30), true)

	snap, ok := b.Latest("t1")
	require.True(t, ok)
	assert.InDelta(t, 30, snap.Progress.Percent, 0.001)
}

// TestBroadcasterPublishIsolation verifies published snapshots are copies:
// mutating the original afterwards must not leak into observers
func TestBroadcasterPublishIsolation(t *testing.T) {
	b := NewBroadcaster(time.Millisecond)

	task := snapshot("t1", types.StatusDownloadingVideo, 10)
	b.Publish(task, true)
	task.Progress.Percent = 99

	snap, ok := b.Latest("t1")
	require.True(t, ok)
	assert.InDelta(t, 10, snap.Progress.Percent, 0.001)
}

func TestBroadcasterSubscribePush(t *testing.T) {
	b := NewBroadcaster(time.Millisecond)
	ch, cancel := b.Subscribe("t1")
	defer cancel()

	b.Publish(snapshot("t1", types.StatusResolving, 0), true)
	snap := receiveSnapshot(t, ch)
	assert.Equal(t, types.StatusResolving, snap.Status)
}

// TestBroadcasterRateLimit verifies non-forced updates are throttled while
// forced ones always pass
func TestBroadcasterRateLimit(t *testing.T) {
	b := NewBroadcaster(time.Hour)

	assert.True(t, b.Publish(snapshot("t1", types.StatusDownloadingVideo, 1), false))
	assert.False(t, b.Publish(snapshot("t1", types.StatusDownloadingVideo, 2), false))
	assert.True(t, b.Publish(snapshot("t1", types.StatusDownloadingVideo, 3), true))

	// the throttled snapshot still lands in the latest-value slot
	snap, ok := b.Latest("t1")
	require.True(t, ok)
	assert.InDelta(t, 3, snap.Progress.Percent, 0.001)
}

// TestBroadcasterLatestWins verifies a slow subscriber sees the newest
// snapshot instead of a backlog
func TestBroadcasterLatestWins(t *testing.T) {
	b := NewBroadcaster(time.Millisecond)
	ch, cancel := b.Subscribe("t1")
	defer cancel()

	b.Publish(snapshot("t1", types.StatusDownloadingVideo, 10), true)
	b.Publish(snapshot("t1", types.StatusDownloadingVideo, 80), true)

	snap := receiveSnapshot(t, ch)
	assert.InDelta(t, 80, snap.Progress.Percent, 0.001)
}

// TestBroadcasterTerminalClosesSubscribers verifies the terminal snapshot is
// delivered and ends the subscription
func TestBroadcasterTerminalClosesSubscribers(t *testing.T) {
	b := NewBroadcaster(time.Millisecond)
	ch, cancel := b.Subscribe("t1")
	defer cancel()

	b.Publish(snapshot("t1", types.StatusCompleted, 100), true)

	snap := receiveSnapshot(t, ch)
	assert.Equal(t, types.StatusCompleted, snap.Status)
	requireClosed(t, ch)
}

func TestBroadcasterSubscribeAfterTerminal(t *testing.T) {
	b := NewBroadcaster(time.Millisecond)
	b.Publish(snapshot("t1", types.StatusError, 0), true)

	ch, cancel := b.Subscribe("t1")
	defer cancel()

	snap := receiveSnapshot(t, ch)
	assert.Equal(t, types.StatusError, snap.Status)
	requireClosed(t, ch)
}

func TestBroadcasterCancelDetaches(t *testing.T) {
	b := NewBroadcaster(time.Millisecond)
	ch, cancel := b.Subscribe("t1")

	cancel()
	requireClosed(t, ch)

	// cancelling twice is harmless
	cancel()

	// publishing after detach must not panic on the closed channel
	b.Publish(snapshot("t1", types.StatusDownloadingVideo, 50), true)
}

func TestBroadcasterForget(t *testing.T) {
	b := NewBroadcaster(time.Millisecond)
	b.Publish(snapshot("t1", types.StatusCompleted, 100), true)

	b.Forget("t1")
	_, ok := b.Latest("t1")
	assert.False(t, ok)
}
