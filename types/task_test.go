package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
	assert.False(t, StatusMerging.IsTerminal())

	assert.False(t, StatusQueued.IsActive())
	assert.False(t, StatusCompleted.IsActive())
	assert.True(t, StatusResolving.IsActive())
	assert.True(t, StatusTranscoding.IsActive())
}

// TestCanTransition walks the legal and illegal edges of the state machine
func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{"queued to resolving", StatusQueued, StatusResolving, true},
		{"resolving to video", StatusResolving, StatusDownloadingVideo, true},
		{"video to audio", StatusDownloadingVideo, StatusDownloadingAudio, true},
		{"video straight to completed", StatusDownloadingVideo, StatusCompleted, true},
		{"audio to merging", StatusDownloadingAudio, StatusMerging, true},
		{"merging to transcoding", StatusMerging, StatusTranscoding, true},
		{"transcoding to completed", StatusTranscoding, StatusCompleted, true},
		{"any phase to error", StatusMerging, StatusError, true},
		{"retry re-enters resolving", StatusResolving, StatusResolving, true},
		{"retry re-enters video", StatusDownloadingVideo, StatusDownloadingVideo, true},
		{"retry restarts download from video", StatusDownloadingAudio, StatusDownloadingVideo, true},
		{"no skipping queue", StatusQueued, StatusDownloadingVideo, false},
		{"no regressing to queued", StatusResolving, StatusQueued, false},
		{"completed is final", StatusCompleted, StatusQueued, false},
		{"error is final", StatusError, StatusResolving, false},
		{"merging cannot restart", StatusMerging, StatusDownloadingVideo, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestErrorKindRetryable(t *testing.T) {
	assert.True(t, ErrKindNetwork.Retryable())
	assert.True(t, ErrKindAccessDenied.Retryable())
	assert.False(t, ErrKindResolutionFailed.Retryable())
	assert.False(t, ErrKindDisk.Retryable())
	assert.False(t, ErrKindTranscode.Retryable())
	assert.False(t, ErrKindCancelled.Retryable())
	assert.False(t, ErrKindUnknown.Retryable())
}

// TestTaskClone verifies clones share nothing mutable with the original
func TestTaskClone(t *testing.T) {
	now := time.Now()
	task := &Task{
		ID:          "t1",
		Status:      StatusError,
		Error:       &ErrorDetail{Kind: ErrKindNetwork, RetryCount: 2, LastAttemptAt: &now},
		CompletedAt: &now,
	}

	clone := task.Clone()
	clone.Error.RetryCount = 9
	later := now.Add(time.Hour)
	*clone.CompletedAt = later

	assert.Equal(t, 2, task.Error.RetryCount)
	assert.True(t, task.CompletedAt.Equal(now))
}

func TestFormatHeight(t *testing.T) {
	tests := []struct {
		resolution string
		want       int
	}{
		{"1920x1080", 1080},
		{"1080p", 1080},
		{"1080", 1080},
		{"", 0},
		{"audio only", 0},
	}

	for _, tt := range tests {
		f := Format{Resolution: tt.resolution}
		assert.Equal(t, tt.want, f.Height(), "resolution %q", tt.resolution)
	}
}

func TestFormatStreamPredicates(t *testing.T) {
	combined := Format{VCodec: "avc1", ACodec: "mp4a.40.2"}
	videoOnly := Format{VCodec: "vp9", ACodec: "none"}
	audioOnly := Format{VCodec: "none", ACodec: "opus"}

	assert.True(t, combined.IsCombined())
	assert.True(t, videoOnly.HasVideo())
	assert.False(t, videoOnly.HasAudio())
	assert.True(t, audioOnly.HasAudio())
	assert.False(t, audioOnly.IsCombined())
}

func TestMessageFor(t *testing.T) {
	t.Run("progress", func(t *testing.T) {
		msg := MessageFor(&Task{ID: "t1", Status: StatusDownloadingVideo, Progress: Progress{Percent: 40}})
		assert.Equal(t, "progress", msg.Type)
		assert.Equal(t, StatusDownloadingVideo, msg.Status)
	})

	t.Run("complete", func(t *testing.T) {
		msg := MessageFor(&Task{ID: "t1", Status: StatusCompleted})
		assert.Equal(t, "complete", msg.Type)
	})

	t.Run("error carries the message", func(t *testing.T) {
		msg := MessageFor(&Task{
			ID:     "t1",
			Status: StatusError,
			Error:  &ErrorDetail{Kind: ErrKindNetwork, Message: "connection reset"},
		})
		assert.Equal(t, "error", msg.Type)
		assert.Equal(t, "connection reset", msg.Message)
	})
}
