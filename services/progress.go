package services

import (
	"fmt"

	"tubedrop/media"
	"tubedrop/types"
)

// defaultVideoWeight is the assumed share of total work spent on the video
// stream when the expected sizes of the two streams are unknown
const defaultVideoWeight = 0.7

// mergeFloor keeps the displayed percent from regressing while the tool
// muxes the two streams, a phase with no granular progress of its own
const mergeFloor = 95.0

// progressTracker converts the adapter's phase-local progress reports into
// the task-wide percent shown to observers. For split audio+video downloads
// the overall percent is a weighted combination of the two sub-phases
// (size-proportional when both sizes are known, 70/30 otherwise), so the
// audio phase starting over at 0% never reads as lost work. Percent is
// clamped non-decreasing within a phase: out-of-order adapter callbacks are
// dropped rather than shown as regressions.
type progressTracker struct {
	split       bool
	videoWeight float64
	lastByPhase map[media.Phase]float64
	overall     float64
}

func newProgressTracker(split bool, videoSize, audioSize int64) *progressTracker {
	weight := defaultVideoWeight
	if videoSize > 0 && audioSize > 0 {
		weight = float64(videoSize) / float64(videoSize+audioSize)
	}
	return &progressTracker{
		split:       split,
		videoWeight: weight,
		lastByPhase: make(map[media.Phase]float64),
	}
}

// observe folds one adapter update into the tracker and returns the snapshot
// to publish
func (pt *progressTracker) observe(update media.ProgressUpdate) types.Progress {
	phasePercent := update.Percent
	if phasePercent > 100 {
		phasePercent = 100
	}
	if last := pt.lastByPhase[update.Phase]; phasePercent < last {
		phasePercent = last // drop regressions within a phase
	}
	pt.lastByPhase[update.Phase] = phasePercent

	var overall float64
	switch update.Phase {
	case media.PhaseVideo:
		if pt.split {
			overall = phasePercent * pt.videoWeight
		} else {
			overall = phasePercent
		}
	case media.PhaseAudio:
		overall = 100*pt.videoWeight + phasePercent*(1-pt.videoWeight)
	default:
		overall = phasePercent
	}
	if overall < pt.overall {
		overall = pt.overall
	}
	pt.overall = overall

	return types.Progress{
		Percent:         overall,
		Speed:           humanSpeed(update.SpeedBPS),
		DownloadedBytes: update.DownloadedBytes,
		TotalBytes:      update.TotalBytes,
		ETASeconds:      update.ETASeconds,
	}
}

// merging returns the held percent for the mux phase
func (pt *progressTracker) merging() float64 {
	if pt.overall < mergeFloor {
		pt.overall = mergeFloor
	}
	return pt.overall
}

// humanSpeed renders bytes/sec the way the UI expects, e.g. "2.1 MB/s"
func humanSpeed(bps float64) string {
	switch {
	case bps <= 0:
		return ""
	case bps >= 1<<20:
		return fmt.Sprintf("%.1f MB/s", bps/(1<<20))
	case bps >= 1<<10:
		return fmt.Sprintf("%.1f KB/s", bps/(1<<10))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}
