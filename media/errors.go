package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tubedrop/types"
)

// UnresolvableSourceError means the tool could not extract any formats for a
// URL (deleted content, geo-block, malformed URL). Never retried.
type UnresolvableSourceError struct {
	URL string
	Err error
}

func (e *UnresolvableSourceError) Error() string {
	return fmt.Sprintf("unresolvable source %s: %v", e.URL, e.Err)
}

func (e *UnresolvableSourceError) Unwrap() error { return e.Err }

// NetworkError is a transient connectivity failure, retryable with backoff
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AccessDeniedError signals a rights/region/auth failure (e.g. HTTP 403).
// Retryable after a credential refresh.
type AccessDeniedError struct {
	Err error
}

func (e *AccessDeniedError) Error() string { return fmt.Sprintf("access denied: %v", e.Err) }
func (e *AccessDeniedError) Unwrap() error { return e.Err }

// DiskError is a local filesystem failure, treated as fatal
type DiskError struct {
	Err error
}

func (e *DiskError) Error() string { return fmt.Sprintf("disk error: %v", e.Err) }
func (e *DiskError) Unwrap() error { return e.Err }

// TranscodeError is a post-processing failure; the downloaded file survives
type TranscodeError struct {
	Err error
}

func (e *TranscodeError) Error() string { return fmt.Sprintf("transcode failed: %v", e.Err) }
func (e *TranscodeError) Unwrap() error { return e.Err }

// Classify maps an adapter error onto the task error taxonomy. Raw tool
// errors never cross this boundary unclassified.
func Classify(err error) types.ErrorKind {
	var (
		unresolvable *UnresolvableSourceError
		network      *NetworkError
		denied       *AccessDeniedError
		disk         *DiskError
		transcode    *TranscodeError
	)
	switch {
	case errors.As(err, &unresolvable):
		return types.ErrKindResolutionFailed
	case errors.As(err, &network):
		return types.ErrKindNetwork
	case errors.As(err, &denied):
		return types.ErrKindAccessDenied
	case errors.As(err, &disk):
		return types.ErrKindDisk
	case errors.As(err, &transcode):
		return types.ErrKindTranscode
	case errors.Is(err, context.Canceled):
		return types.ErrKindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrKindNetwork
	}
	return types.ErrKindUnknown
}

// classifyRunError wraps a raw yt-dlp failure in the matching structured
// error by inspecting its message, mirroring the tool's own output
func classifyRunError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "403") || strings.Contains(msg, "forbidden"):
		return &AccessDeniedError{Err: err}
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection aborted"),
		strings.Contains(msg, "network"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "ssl"):
		return &NetworkError{Err: err}
	case strings.Contains(msg, "no space left"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "read-only file system"):
		return &DiskError{Err: err}
	}
	return err
}
