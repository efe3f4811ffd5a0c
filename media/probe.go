package media

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/dhowden/tag"
)

// ProbeFile stats a finished output file and reads container-level metadata
// where the format supports it (mp4 family). Tag errors are not fatal: many
// containers simply carry no readable tags.
func ProbeFile(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, &DiskError{Err: err}
	}
	info := &FileInfo{Size: stat.Size()}

	f, err := os.Open(path)
	if err != nil {
		return info, nil
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		log.Debug("no readable container tags", "path", path, "err", err)
		return info, nil
	}
	info.Title = meta.Title()
	return info, nil
}
