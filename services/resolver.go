package services

import (
	"sort"
	"strings"

	"tubedrop/types"
)

// RankFormats orders formats the way the UI lists them and the way defaults
// are chosen: combined audio+video formats first (preferred container, then
// higher resolution, ties broken by larger known/estimated size), then
// video-only by resolution and size, then audio-only by bitrate and size.
// The tie-break order is load-bearing: the UI format list and the default
// "best quality" pick both depend on it.
func RankFormats(formats []types.Format, preferredExt string) []types.Format {
	var combined, videoOnly, audioOnly []types.Format
	for _, f := range formats {
		switch {
		case f.IsCombined():
			combined = append(combined, f)
		case f.HasVideo():
			videoOnly = append(videoOnly, f)
		case f.HasAudio():
			audioOnly = append(audioOnly, f)
		}
	}

	sort.SliceStable(combined, func(i, j int) bool {
		a, b := combined[i], combined[j]
		if (a.Ext == preferredExt) != (b.Ext == preferredExt) {
			return a.Ext == preferredExt
		}
		if a.Height() != b.Height() {
			return a.Height() > b.Height()
		}
		return a.FileSize > b.FileSize
	})
	sort.SliceStable(videoOnly, func(i, j int) bool {
		a, b := videoOnly[i], videoOnly[j]
		if a.Height() != b.Height() {
			return a.Height() > b.Height()
		}
		return a.FileSize > b.FileSize
	})
	sort.SliceStable(audioOnly, func(i, j int) bool {
		a, b := audioOnly[i], audioOnly[j]
		if a.Bitrate != b.Bitrate {
			return a.Bitrate > b.Bitrate
		}
		return a.FileSize > b.FileSize
	})

	ranked := make([]types.Format, 0, len(formats))
	ranked = append(ranked, combined...)
	ranked = append(ranked, videoOnly...)
	ranked = append(ranked, audioOnly...)
	return ranked
}

// SelectDefault picks the format used when the caller does not specify one.
// Combined formats win over separate-stream pairs; with no combined format
// available, the best video-only and best audio-only streams are paired into
// a split "video+audio" selection.
func SelectDefault(formats []types.Format, preferredExt string) (types.Format, bool) {
	ranked := RankFormats(formats, preferredExt)
	if len(ranked) == 0 {
		return types.Format{}, false
	}

	if ranked[0].IsCombined() {
		return ranked[0], true
	}

	var bestVideo, bestAudio *types.Format
	for i := range ranked {
		f := &ranked[i]
		if bestVideo == nil && f.HasVideo() && !f.HasAudio() {
			bestVideo = f
		}
		if bestAudio == nil && f.HasAudio() && !f.HasVideo() {
			bestAudio = f
		}
	}
	if bestVideo != nil && bestAudio != nil {
		return types.Format{
			FormatID:   bestVideo.FormatID + "+" + bestAudio.FormatID,
			Ext:        preferredExt,
			VCodec:     bestVideo.VCodec,
			ACodec:     bestAudio.ACodec,
			Resolution: bestVideo.Resolution,
			FileSize:   bestVideo.FileSize + bestAudio.FileSize,
			Bitrate:    bestVideo.Bitrate + bestAudio.Bitrate,
		}, true
	}
	return ranked[0], true
}

// expectedSizes reports the expected per-stream sizes for a chosen format id
// so the engine can weight sub-phase progress. Zeroes mean unknown.
func expectedSizes(formats []types.Format, formatID string) (videoSize, audioSize int64) {
	for _, f := range formats {
		if f.FormatID == formatID {
			return f.FileSize, 0
		}
	}
	// split pair: look the halves up individually
	if i := strings.IndexByte(formatID, '+'); i > 0 {
		vid, aud := formatID[:i], formatID[i+1:]
		for _, f := range formats {
			if f.FormatID == vid {
				videoSize = f.FileSize
			}
			if f.FormatID == aud {
				audioSize = f.FileSize
			}
		}
	}
	return videoSize, audioSize
}
