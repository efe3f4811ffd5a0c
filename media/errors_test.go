package media

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"tubedrop/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorKind
	}{
		{"unresolvable", &UnresolvableSourceError{URL: "u", Err: fmt.Errorf("gone")}, types.ErrKindResolutionFailed},
		{"network", &NetworkError{Err: fmt.Errorf("reset")}, types.ErrKindNetwork},
		{"access denied", &AccessDeniedError{Err: fmt.Errorf("403")}, types.ErrKindAccessDenied},
		{"disk", &DiskError{Err: fmt.Errorf("full")}, types.ErrKindDisk},
		{"transcode", &TranscodeError{Err: fmt.Errorf("exit 1")}, types.ErrKindTranscode},
		{"cancelled", context.Canceled, types.ErrKindCancelled},
		{"deadline", context.DeadlineExceeded, types.ErrKindNetwork},
		{"wrapped network", fmt.Errorf("attempt failed: %w", &NetworkError{Err: fmt.Errorf("reset")}), types.ErrKindNetwork},
		{"anything else", fmt.Errorf("mystery"), types.ErrKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

// TestClassifyRunError verifies raw tool output maps onto structured errors
func TestClassifyRunError(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want types.ErrorKind
	}{
		{"http 403", "ERROR: unable to download: HTTP Error 403: Forbidden", types.ErrKindAccessDenied},
		{"connection reset", "error: connection reset by peer", types.ErrKindNetwork},
		{"timeout", "The read operation timed out", types.ErrKindNetwork},
		{"ssl", "SSL: CERTIFICATE_VERIFY_FAILED", types.ErrKindNetwork},
		{"disk full", "OSError: no space left on device", types.ErrKindDisk},
		{"permission", "PermissionError: permission denied: '/downloads'", types.ErrKindDisk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifyRunError(fmt.Errorf("%s", tt.msg))
			assert.Equal(t, tt.want, Classify(classified))
		})
	}
}

func TestClassifyRunErrorPassthrough(t *testing.T) {
	err := fmt.Errorf("unsupported url")
	assert.Equal(t, err, classifyRunError(err))
}
