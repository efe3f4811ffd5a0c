package types

import (
	"strconv"
	"strings"
)

// Format is one selectable encoding variant of a source, normalized from the
// media tool's heterogeneous descriptors. Ephemeral: never persisted.
type Format struct {
	FormatID   string  `json:"formatId"`
	Ext        string  `json:"ext"`
	VCodec     string  `json:"vcodec,omitempty"`
	ACodec     string  `json:"acodec,omitempty"`
	Resolution string  `json:"resolution,omitempty"`
	FileSize   int64   `json:"fileSize,omitempty"` // known or estimated, 0 when unknown
	Bitrate    float64 `json:"bitrate,omitempty"`  // kbit/s
}

// HasVideo reports whether the format carries a video stream
func (f Format) HasVideo() bool {
	return f.VCodec != "" && f.VCodec != "none"
}

// HasAudio reports whether the format carries an audio stream
func (f Format) HasAudio() bool {
	return f.ACodec != "" && f.ACodec != "none"
}

// IsCombined reports whether the format carries both streams in one container
func (f Format) IsCombined() bool {
	return f.HasVideo() && f.HasAudio()
}

// Height parses the vertical resolution out of strings like "1920x1080",
// "1080p" or "1080". Returns 0 when unknown.
func (f Format) Height() int {
	r := f.Resolution
	if r == "" {
		return 0
	}
	if i := strings.IndexByte(r, 'x'); i >= 0 {
		r = r[i+1:]
	}
	r = strings.TrimSuffix(r, "p")
	h, err := strconv.Atoi(r)
	if err != nil {
		return 0
	}
	return h
}

// VideoMetadata holds the descriptive fields resolved for a source URL
type VideoMetadata struct {
	Title     string `json:"title"`
	Uploader  string `json:"uploader,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Duration  int    `json:"duration,omitempty"` // seconds
}
