package media

import (
	"context"

	"tubedrop/types"
)

// Phase identifies which stream a progress update belongs to
type Phase string

const (
	PhaseVideo     Phase = "video"
	PhaseAudio     Phase = "audio"
	PhaseSingle    Phase = "single"
	PhaseTranscode Phase = "transcode"
)

// ProgressUpdate is one callback-level progress report from the external
// tool, before the engine recomputes the overall task percent
type ProgressUpdate struct {
	Phase           Phase
	Percent         float64
	SpeedBPS        float64
	ETASeconds      int
	DownloadedBytes int64
	TotalBytes      int64
	Detail          string // display only, e.g. current fragment or filename
}

// ProgressFunc receives progress updates. It is invoked from the worker
// goroutine running the blocking tool call and must not block.
type ProgressFunc func(ProgressUpdate)

// Resolved is the outcome of format resolution for a URL
type Resolved struct {
	Metadata types.VideoMetadata
	Formats  []types.Format
}

// FileInfo is the post-download probe result for an output file
type FileInfo struct {
	Size     int64
	Title    string
	Duration int // seconds, 0 when unknown
}

// Tool is the boundary interface to the external download/mux/transcode
// capability. Implementations surface structured errors (NetworkError,
// AccessDeniedError, DiskError, TranscodeError, UnresolvableSourceError) so
// the engine can classify them without inspecting raw tool output.
type Tool interface {
	// Resolve lists selectable formats and descriptive metadata for a URL
	// without downloading anything.
	Resolve(ctx context.Context, url string) (*Resolved, error)

	// Download fetches the given format into outPath (an output template
	// owned by the caller) and returns the final file path. Progress is
	// streamed through fn zero or more times.
	Download(ctx context.Context, url, formatID, outPath string, fn ProgressFunc) (string, error)

	// Transcode re-encodes inputPath with the given ffmpeg profile and
	// returns the new file path.
	Transcode(ctx context.Context, inputPath, profile string, fn ProgressFunc) (string, error)

	// VideoCodec detects the video codec of a downloaded file, used by the
	// transcode policy.
	VideoCodec(ctx context.Context, path string) (string, error)

	// Probe inspects a finished output file for size and container metadata.
	Probe(path string) (*FileInfo, error)

	// RefreshCredentials attempts to refresh session/cookie material after
	// an access-denied failure. Best effort: false means nothing changed.
	RefreshCredentials(ctx context.Context) (bool, error)
}
