package media

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

var outTimePattern = regexp.MustCompile(`out_time_ms=(\d+)`)

// Transcoder runs ffmpeg/ffprobe subprocesses for codec detection, duration
// probing and post-download transcoding.
type Transcoder struct {
	OutputFormat string // container extension for transcoded files, e.g. "mp4"
}

// NewTranscoder creates a Transcoder producing files in the given container.
func NewTranscoder(outputFormat string) *Transcoder {
	if outputFormat == "" {
		outputFormat = "mp4"
	}
	return &Transcoder{OutputFormat: outputFormat}
}

// DetectCodec returns the normalized video codec name of the first video
// stream ("av1", "h264", "hevc", ...), or an error when ffprobe fails.
func (t *Transcoder) DetectCodec(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("ffprobe codec detection failed: %w", err)
	}
	codec := strings.ToLower(strings.TrimSpace(string(out)))
	switch codec {
	case "av01", "libaom-av1":
		codec = "av1"
	case "h265":
		codec = "hevc"
	}
	return codec, nil
}

// Duration returns the media duration in seconds via ffprobe.
func (t *Transcoder) Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration failed: %w", err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return seconds, nil
}

// Transcode re-encodes inputPath with the given ffmpeg argument profile and
// returns the path of the transcoded file. Progress is mapped from ffmpeg's
// out_time_ms against the input duration. The partial output is removed on
// failure; the input file is never touched.
func (t *Transcoder) Transcode(ctx context.Context, inputPath, profile string, fn ProgressFunc) (string, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return "", &DiskError{Err: err}
	}

	ext := filepath.Ext(inputPath)
	outputPath := strings.TrimSuffix(inputPath, ext) + "_transcoded." + t.OutputFormat

	args := []string{"-i", inputPath, "-hide_banner", "-progress", "pipe:1"}
	args = append(args, strings.Fields(profile)...)
	args = append(args, outputPath)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", &TranscodeError{Err: err}
	}
	if err := cmd.Start(); err != nil {
		return "", &TranscodeError{Err: err}
	}

	duration, derr := t.Duration(ctx, inputPath)
	if derr != nil {
		log.Warn("could not probe duration, transcode progress unavailable", "path", inputPath, "err", derr)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		m := outTimePattern.FindStringSubmatch(scanner.Text())
		if m == nil || duration <= 0 || fn == nil {
			continue
		}
		outTimeMS, _ := strconv.ParseInt(m[1], 10, 64)
		position := float64(outTimeMS) / 1e6
		percent := position / duration * 100
		if percent > 100 {
			percent = 100
		}
		fn(ProgressUpdate{Phase: PhaseTranscode, Percent: percent})
	}

	if err := cmd.Wait(); err != nil {
		os.Remove(outputPath)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &TranscodeError{Err: err}
	}
	return outputPath, nil
}
