package retention

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hindsight-sh/hindsight/pkg/types"
)

// segmentFPS is the playback rate of re-encoded day segments.
const segmentFPS = 10

// Encoder turns an ordered list of image files into one video file.
type Encoder interface {
	Encode(ctx context.Context, imagePaths []string, outPath string) error
}

// FFmpegEncoder shells out to ffmpeg with the concat demuxer and H.264.
type FFmpegEncoder struct {
	// Path is the ffmpeg binary, default "ffmpeg".
	Path string
}

func (e *FFmpegEncoder) Encode(ctx context.Context, imagePaths []string, outPath string) error {
	bin := e.Path
	if bin == "" {
		bin = "ffmpeg"
	}

	list, err := os.CreateTemp("", "hindsight-concat-*.txt")
	if err != nil {
		return fmt.Errorf("retention: failed to create concat list: %w", err)
	}
	defer os.Remove(list.Name())

	var b strings.Builder
	for _, p := range imagePaths {
		fmt.Fprintf(&b, "file '%s'\nduration %.3f\n", strings.ReplaceAll(p, "'", `'\''`), 1.0/segmentFPS)
	}
	if _, err := list.WriteString(b.String()); err != nil {
		list.Close()
		return fmt.Errorf("retention: failed to write concat list: %w", err)
	}
	if err := list.Close(); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, bin,
		"-y", "-f", "concat", "-safe", "0", "-i", list.Name(),
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-r", fmt.Sprint(segmentFPS),
		outPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := string(out)
		if len(tail) > 300 {
			tail = tail[len(tail)-300:]
		}
		return fmt.Errorf("retention: ffmpeg failed: %w (%s)", err, strings.TrimSpace(tail))
	}
	return nil
}

// compressDays re-encodes each complete day older than the video horizon
// into one H.264 segment, repoints the frame rows at it, and (unless
// configured to keep them) removes the original images.
func (j *Job) compressDays(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -j.opts.VideoAfterDays)

	candidates, err := j.store.FramesOlderThan(ctx, cutoff, 10000)
	if err != nil {
		return err
	}

	days := make(map[string][]types.Frame)
	for _, f := range candidates {
		if isVideoPath(f.FilePath) {
			continue
		}
		// Frames still awaiting extraction keep their images.
		if f.ExtractionStatus == types.ExtractionPending {
			continue
		}
		if j.inflight != nil && j.inflight.InFlight(f.ID) {
			continue
		}
		days[f.Timestamp.Format("2006-01-02")] = append(days[f.Timestamp.Format("2006-01-02")], f)
	}

	dayKeys := make([]string, 0, len(days))
	for day := range days {
		dayKeys = append(dayKeys, day)
	}
	sort.Strings(dayKeys)

	for _, day := range dayKeys {
		if err := j.compressDay(ctx, day, days[day]); err != nil {
			return err
		}
	}
	return nil
}

func (j *Job) compressDay(ctx context.Context, day string, frames []types.Frame) error {
	sort.Slice(frames, func(a, b int) bool {
		return frames[a].Timestamp.Before(frames[b].Timestamp)
	})

	dataDir := filepath.Dir(j.frames.Root())
	videoDir := filepath.Join(dataDir, "video")
	if err := os.MkdirAll(videoDir, 0o755); err != nil {
		return fmt.Errorf("retention: failed to create video directory: %w", err)
	}

	outRel := filepath.Join("video", day+".mp4")
	outAbs := filepath.Join(dataDir, outRel)

	paths := make([]string, len(frames))
	ids := make([]string, len(frames))
	for i, f := range frames {
		paths[i] = j.frames.AbsPath(f.FilePath)
		ids[i] = f.ID
	}

	if err := j.encoder.Encode(ctx, paths, outAbs); err != nil {
		return err
	}

	info, err := os.Stat(outAbs)
	if err != nil {
		return fmt.Errorf("retention: failed to stat segment: %w", err)
	}

	dayStart, err := time.ParseInLocation("2006-01-02", day, time.Local)
	if err != nil {
		return err
	}

	seg := &types.VideoSegment{
		ID:            uuid.NewString(),
		Start:         dayStart,
		VideoPath:     outRel,
		FrameCount:    len(frames),
		DurationSecs:  float64(len(frames)) / segmentFPS,
		FileSizeBytes: info.Size(),
	}
	if err := j.store.InsertVideoSegment(ctx, seg); err != nil {
		return err
	}
	if err := j.store.RepointFrameFiles(ctx, ids, outRel); err != nil {
		return err
	}

	if !j.opts.KeepFrames {
		for _, f := range frames {
			freed, err := j.frames.Remove(f.FilePath)
			if err != nil {
				return err
			}
			if j.quota != nil {
				j.quota.Subtract(freed)
			}
			j.bytesFreed.Add(freed)
		}
	}

	j.segmentsWritten.Add(1)
	return nil
}

// removeDataPath deletes a path relative to the data directory (video
// segments live there, outside the frames tree).
func (j *Job) removeDataPath(rel string) error {
	abs := filepath.Join(filepath.Dir(j.frames.Root()), rel)
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
