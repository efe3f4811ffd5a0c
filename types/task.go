package types

import "time"

// TaskStatus represents the current phase of a download task
type TaskStatus string

const (
	StatusQueued           TaskStatus = "queued"
	StatusResolving        TaskStatus = "resolving"
	StatusDownloadingVideo TaskStatus = "downloading_video"
	StatusDownloadingAudio TaskStatus = "downloading_audio"
	StatusMerging          TaskStatus = "merging"
	StatusTranscoding      TaskStatus = "transcoding"
	StatusCompleted        TaskStatus = "completed"
	StatusError            TaskStatus = "error"
)

// IsTerminal reports whether no further transitions are allowed from the status
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// IsActive reports whether the task currently occupies a concurrency slot
func (s TaskStatus) IsActive() bool {
	return !s.IsTerminal() && s != StatusQueued
}

// legal forward edges of the task state machine
var transitions = map[TaskStatus][]TaskStatus{
	StatusQueued:    {StatusResolving, StatusError},
	StatusResolving: {StatusDownloadingVideo, StatusError},
	// a combined single-stream format goes straight from the download to
	// transcoding/completed; merging exists only for split stream pairs
	StatusDownloadingVideo: {StatusDownloadingAudio, StatusMerging, StatusTranscoding, StatusCompleted, StatusError},
	StatusDownloadingAudio: {StatusMerging, StatusError},
	StatusMerging:          {StatusTranscoding, StatusCompleted, StatusError},
	StatusTranscoding:      {StatusCompleted, StatusError},
}

// CanTransition reports whether moving from s to next follows a state machine
// edge. Retry re-entry into resolving or a download sub-phase is also legal.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	// automatic retry re-enters the failed phase; a download retry starts
	// over from the video stream
	switch next {
	case StatusResolving, StatusDownloadingVideo, StatusDownloadingAudio:
		if s == next {
			return true
		}
	}
	return next == StatusDownloadingVideo && s == StatusDownloadingAudio
}

// ErrorKind is the machine-readable classification of a task failure
type ErrorKind string

const (
	ErrKindResolutionFailed ErrorKind = "resolution_failed"
	ErrKindNetwork          ErrorKind = "network_error"
	ErrKindAccessDenied     ErrorKind = "access_denied"
	ErrKindDisk             ErrorKind = "disk_error"
	ErrKindTranscode        ErrorKind = "transcode_failed"
	ErrKindCancelled        ErrorKind = "cancelled"
	ErrKindUnknown          ErrorKind = "unknown"
)

// Retryable reports whether the engine may retry this kind of failure
func (k ErrorKind) Retryable() bool {
	return k == ErrKindNetwork || k == ErrKindAccessDenied
}

// ErrorDetail carries the normalized failure information for a task
type ErrorDetail struct {
	Kind          ErrorKind  `json:"kind"`
	Message       string     `json:"message"`
	RetryCount    int        `json:"retryCount"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
}

// Progress is the latest progress snapshot for a task. It is overwritten in
// place; observers only ever see the most recent value.
type Progress struct {
	Percent         float64 `json:"percent"`
	Speed           string  `json:"speed,omitempty"`
	DownloadedBytes int64   `json:"downloadedBytes"`
	TotalBytes      int64   `json:"totalBytes"`
	ETASeconds      int     `json:"etaSeconds"`
}

// Task represents a single download job from submission to terminal outcome
type Task struct {
	ID          string       `json:"id"`
	URL         string       `json:"url"`
	Status      TaskStatus   `json:"status"`
	PhaseDetail string       `json:"phaseDetail,omitempty"`
	Progress    Progress     `json:"progress"`
	FormatID    string       `json:"formatId,omitempty"`
	OutputPath  string       `json:"outputPath,omitempty"`
	Error       *ErrorDetail `json:"error,omitempty"`
	Title       string       `json:"title,omitempty"`
	Uploader    string       `json:"uploader,omitempty"`
	Thumbnail   string       `json:"thumbnail,omitempty"`
	Duration    int          `json:"duration,omitempty"`
	FileSize    int64        `json:"fileSize,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// Clone returns a deep copy safe to hand to observers
func (t *Task) Clone() *Task {
	c := *t
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}
