package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lrstanley/go-ytdlp"

	"tubedrop/types"
)

// YTDLP is the production Tool backed by the yt-dlp binary via go-ytdlp.
// Transcoding and codec detection are delegated to an ffmpeg Transcoder.
type YTDLP struct {
	transcoder *Transcoder
	cookieFile string

	// RefreshFn is the credential refresh extension point, wired by the
	// cookie-acquisition collaborator. Nil means refresh is unavailable.
	RefreshFn func(ctx context.Context) (bool, error)
}

// NewYTDLP creates the yt-dlp adapter. cookieFile may be empty.
func NewYTDLP(transcoder *Transcoder, cookieFile string) *YTDLP {
	return &YTDLP{transcoder: transcoder, cookieFile: cookieFile}
}

func (y *YTDLP) command() *ytdlp.Command {
	dl := ytdlp.New().NoWarnings()
	if y.cookieFile != "" {
		dl = dl.Cookies(y.cookieFile)
	}
	return dl
}

// Resolve extracts metadata and the selectable format list for a URL without
// downloading anything.
func (y *YTDLP) Resolve(ctx context.Context, url string) (*Resolved, error) {
	result, err := y.command().SkipDownload().Run(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err = classifyRunError(err)
		var network *NetworkError
		if errors.As(err, &network) {
			return nil, err
		}
		return nil, &UnresolvableSourceError{URL: url, Err: err}
	}

	infos, err := result.GetExtractedInfo()
	if err != nil || len(infos) == 0 {
		return nil, &UnresolvableSourceError{URL: url, Err: fmt.Errorf("no extractable info: %v", err)}
	}
	info := infos[0]

	resolved := &Resolved{
		Metadata: types.VideoMetadata{
			Title:     derefStr(info.Title),
			Uploader:  derefStr(info.Uploader),
			Thumbnail: derefStr(info.Thumbnail),
			Duration:  int(derefFloat(info.Duration)),
		},
	}

	for _, f := range info.Formats {
		vcodec := derefStr(f.VCodec)
		acodec := derefStr(f.ACodec)
		if (vcodec == "" || vcodec == "none") && (acodec == "" || acodec == "none") {
			continue // storyboard/image-only entries
		}
		size := int64(derefInt(f.FileSize))
		if size == 0 {
			size = int64(derefInt(f.FileSizeApprox))
		}
		bitrate := derefFloat(f.TBR)
		if bitrate == 0 {
			bitrate = derefFloat(f.ABR)
		}
		resolved.Formats = append(resolved.Formats, types.Format{
			FormatID:   derefStr(f.FormatID),
			Ext:        derefStr(f.Extension),
			VCodec:     vcodec,
			ACodec:     acodec,
			Resolution: derefStr(f.Resolution),
			FileSize:   size,
			Bitrate:    bitrate,
		})
	}

	if len(resolved.Formats) == 0 {
		return nil, &UnresolvableSourceError{URL: url, Err: fmt.Errorf("no usable formats")}
	}
	return resolved, nil
}

// Download fetches the chosen format into the outPath template and returns
// the final file path. Split formats ("137+140") are muxed by the tool.
func (y *YTDLP) Download(ctx context.Context, url, formatID, outPath string, fn ProgressFunc) (string, error) {
	split := strings.Contains(formatID, "+")

	dl := y.command().
		ForceOverwrites().
		RestrictFilenames().
		Output(outPath).
		Format(formatID)
	if split {
		dl = dl.MergeOutputFormat("mp4")
	}

	tracker := newPhaseTracker(split)
	dl.ProgressFunc(200*time.Millisecond, func(update ytdlp.ProgressUpdate) {
		fn(tracker.translate(update))
	})

	result, err := dl.Run(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifyRunError(err)
	}

	if infos, err := result.GetExtractedInfo(); err == nil && len(infos) > 0 {
		if name := derefStr(infos[0].Filename); name != "" {
			return resolveMergedPath(name), nil
		}
	}

	// fall back to the template expansion on disk
	if matches, _ := filepath.Glob(strings.Replace(outPath, "%(ext)s", "*", 1)); len(matches) > 0 {
		return matches[0], nil
	}
	return "", &DiskError{Err: fmt.Errorf("download finished but no output file at %s", outPath)}
}

// Transcode re-encodes the file with the configured ffmpeg profile.
func (y *YTDLP) Transcode(ctx context.Context, inputPath, profile string, fn ProgressFunc) (string, error) {
	return y.transcoder.Transcode(ctx, inputPath, profile, fn)
}

// VideoCodec detects the video codec of a downloaded file.
func (y *YTDLP) VideoCodec(ctx context.Context, path string) (string, error) {
	return y.transcoder.DetectCodec(ctx, path)
}

// Probe inspects a finished output file.
func (y *YTDLP) Probe(path string) (*FileInfo, error) {
	return ProbeFile(path)
}

// RefreshCredentials invokes the wired refresh hook, if any.
func (y *YTDLP) RefreshCredentials(ctx context.Context) (bool, error) {
	if y.RefreshFn == nil {
		log.Debug("credential refresh requested but no refresher wired")
		return false, nil
	}
	return y.RefreshFn(ctx)
}

// resolveMergedPath maps an intermediate stream filename to the merged mp4
// when the tool remuxed two streams into one container
func resolveMergedPath(name string) string {
	if strings.HasSuffix(name, ".mp4") {
		return name
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if _, err := os.Stat(base + ".mp4"); err == nil {
		return base + ".mp4"
	}
	return name
}

// phaseTracker derives the video/audio sub-phase from the tool's flat
// progress stream: a byte counter reset means the second stream started.
type phaseTracker struct {
	split     bool
	phase     Phase
	lastBytes int64
}

func newPhaseTracker(split bool) *phaseTracker {
	t := &phaseTracker{split: split, phase: PhaseSingle}
	if split {
		t.phase = PhaseVideo
	}
	return t
}

func (t *phaseTracker) translate(update ytdlp.ProgressUpdate) ProgressUpdate {
	if t.split && t.phase == PhaseVideo && int64(update.DownloadedBytes) < t.lastBytes {
		t.phase = PhaseAudio
		t.lastBytes = 0
	}
	t.lastBytes = int64(update.DownloadedBytes)

	out := ProgressUpdate{
		Phase:           t.phase,
		DownloadedBytes: int64(update.DownloadedBytes),
		TotalBytes:      int64(update.TotalBytes),
	}
	if update.TotalBytes > 0 {
		out.Percent = float64(update.DownloadedBytes) / float64(update.TotalBytes) * 100
	}
	if !update.Started.IsZero() {
		if elapsed := time.Since(update.Started); elapsed.Seconds() > 0 {
			out.SpeedBPS = float64(update.DownloadedBytes) / elapsed.Seconds()
		}
	}
	if eta := update.ETA(); eta > 0 {
		out.ETASeconds = int(eta.Seconds())
	}
	if update.Info != nil {
		out.Detail = derefStr(update.Info.Title)
	}
	return out
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
