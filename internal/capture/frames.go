// Package capture runs the screenshot pipeline: an adaptive scheduler grabs
// frames, a perceptual differ suppresses near-duplicates, a disk quota gauge
// pauses capture before the archive fills the disk, and a frame store lays
// the files out on disk.
package capture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hindsight-sh/hindsight/pkg/types"
)

// FrameStore writes screenshot files under a date-sharded directory tree:
// frames/YYYY/MM/DD/HH-MM-SS-mmm-<id>.<ext>, with a JSON sidecar carrying
// the frame metadata so the archive is inspectable without the database.
type FrameStore struct {
	root   string
	format string
}

// NewFrameStore creates the frames directory under dataPath.
func NewFrameStore(dataPath, format string) (*FrameStore, error) {
	if format == "" {
		format = "png"
	}
	root := filepath.Join(dataPath, "frames")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("capture: failed to create frames directory: %w", err)
	}
	return &FrameStore{root: root, format: format}, nil
}

// Root returns the frames directory.
func (fs *FrameStore) Root() string {
	return fs.root
}

// RelPath returns the archive-relative path for a frame taken at ts. A
// prefix of the frame ID is folded into the name so two frames accepted in
// the same millisecond cannot land on the same path.
func (fs *FrameStore) RelPath(ts time.Time, frameID string) string {
	if len(frameID) > 8 {
		frameID = frameID[:8]
	}
	name := fmt.Sprintf("%s-%03d", ts.Format("15-04-05"), ts.Nanosecond()/int(time.Millisecond))
	if frameID != "" {
		name += "-" + frameID
	}
	return filepath.Join(ts.Format("2006"), ts.Format("01"), ts.Format("02"), name+"."+fs.format)
}

// AbsPath resolves an archive-relative path to an absolute one.
func (fs *FrameStore) AbsPath(rel string) string {
	return filepath.Join(fs.root, rel)
}

// Commit moves a freshly captured file from its temporary location into the
// archive and writes the metadata sidecar. The rename is atomic on the same
// filesystem, so a crash never leaves a half-written frame at its final
// path. Returns the stored file size.
func (fs *FrameStore) Commit(tmpPath string, f *types.Frame) (int64, error) {
	dest := fs.AbsPath(f.FilePath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("capture: failed to create frame directory: %w", err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, fmt.Errorf("capture: failed to move frame into archive: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return 0, fmt.Errorf("capture: failed to stat committed frame: %w", err)
	}
	f.FileSizeBytes = info.Size()

	sidecar, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("capture: failed to marshal sidecar: %w", err)
	}
	// Sidecar loss is recoverable from the database; write failure is not
	// worth losing the frame over.
	sidecarPath := dest + ".json"
	if err := os.WriteFile(sidecarPath+".tmp", sidecar, 0o644); err == nil {
		os.Rename(sidecarPath+".tmp", sidecarPath)
	}

	return info.Size(), nil
}

// Remove deletes a frame file and its sidecar. Missing files are not an
// error: retention retries deletions after partial failures. Returns the
// bytes freed.
func (fs *FrameStore) Remove(relPath string) (int64, error) {
	dest := fs.AbsPath(relPath)

	var freed int64
	if info, err := os.Stat(dest); err == nil {
		freed = info.Size()
	}

	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("capture: failed to remove frame file: %w", err)
	}
	if err := os.Remove(dest + ".json"); err != nil && !os.IsNotExist(err) {
		return freed, fmt.Errorf("capture: failed to remove sidecar: %w", err)
	}
	return freed, nil
}

// DiskUsage walks the archive and returns its total size in bytes.
func (fs *FrameStore) DiskUsage() (int64, error) {
	var total int64
	err := filepath.WalkDir(fs.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// Files can vanish mid-walk when retention runs concurrently.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("capture: failed to walk archive: %w", err)
	}
	return total, nil
}
