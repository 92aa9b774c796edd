package extractor

import (
	"bytes"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
)

// Frame is one sampled video frame. The decoded image is held in memory for
// the inference pass; URI points at the cached JPEG on disk.
type Frame struct {
	Image       image.Image
	URI         string
	TimestampMs int64
}

// FrameExtractor samples a video into discrete frames at a fixed interval
// using ffmpeg. One invocation per timestamp; individual frame failures are
// skipped so a corrupt section does not lose the whole video.
type FrameExtractor struct {
	ffmpegPath string
	cacheDir   string
	log        *slog.Logger
}

func NewFrameExtractor(cacheDir string, log *slog.Logger) (*FrameExtractor, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "mediadex-frames")
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frame cache directory: %w", err)
	}

	return &FrameExtractor{
		ffmpegPath: ffmpegPath,
		cacheDir:   cacheDir,
		log:        log,
	}, nil
}

// ExtractFrames samples videoPath every intervalMs milliseconds, starting at
// zero. It returns an error only when the video yields no frames at all.
func (fe *FrameExtractor) ExtractFrames(videoPath string, intervalMs int64) ([]Frame, error) {
	if intervalMs <= 0 {
		return nil, fmt.Errorf("invalid frame interval: %d ms", intervalMs)
	}
	if _, err := os.Stat(videoPath); err != nil {
		return nil, fmt.Errorf("video file not accessible: %w", err)
	}

	durationMs, err := fe.videoDurationMs(videoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get video duration: %w", err)
	}
	if durationMs <= 0 {
		return nil, fmt.Errorf("invalid video duration: %d ms", durationMs)
	}

	var frames []Frame
	for ts := int64(0); ts < durationMs; ts += intervalMs {
		frame, err := fe.extractSingleFrame(videoPath, ts)
		if err != nil {
			fe.log.Warn("failed to extract frame", "video", videoPath, "timestamp_ms", ts, "error", err)
			continue
		}
		frames = append(frames, frame)
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("failed to extract any frames from %s", videoPath)
	}

	fe.log.Debug("extracted frames", "video", videoPath, "count", len(frames), "interval_ms", intervalMs)
	return frames, nil
}

func (fe *FrameExtractor) videoDurationMs(videoPath string) (int64, error) {
	// ffprobe gives the duration directly; fall back to parsing ffmpeg's
	// banner output when it is not installed.
	if ffprobePath, err := exec.LookPath("ffprobe"); err == nil {
		cmd := exec.Command(ffprobePath,
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			videoPath)

		var stdout bytes.Buffer
		cmd.Stdout = &stdout

		if err := cmd.Run(); err == nil {
			durationStr := strings.TrimSpace(stdout.String())
			if seconds, err := strconv.ParseFloat(durationStr, 64); err == nil && seconds > 0 {
				return int64(seconds * 1000), nil
			}
		}
	}

	cmd := exec.Command(fe.ffmpegPath, "-i", videoPath, "-f", "null", "-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	_ = cmd.Run()

	output := stderr.String()
	const durationPrefix = "Duration: "
	start := strings.Index(output, durationPrefix)
	if start == -1 {
		return 0, fmt.Errorf("duration not found in ffmpeg output")
	}
	start += len(durationPrefix)
	end := strings.Index(output[start:], ",")
	if end == -1 {
		return 0, fmt.Errorf("invalid duration format")
	}

	parts := strings.Split(output[start:start+end], ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid duration format: %s", output[start:start+end])
	}

	hours, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, err
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}

	return int64((hours*3600 + minutes*60 + seconds) * 1000), nil
}

func (fe *FrameExtractor) extractSingleFrame(videoPath string, timestampMs int64) (Frame, error) {
	outFile := filepath.Join(fe.cacheDir, fmt.Sprintf("frame_%d_%d.jpg", pathKey(videoPath), timestampMs))

	args := []string{
		"-ss", fmt.Sprintf("%.3f", float64(timestampMs)/1000.0),
		"-i", videoPath,
		"-vframes", "1",
		"-q:v", "2",
		"-f", "mjpeg",
		"-y",
		outFile,
	}

	cmd := exec.Command(fe.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Frame{}, fmt.Errorf("failed to extract frame at %d ms: %w (%s)", timestampMs, err, lastLine(stderr.String()))
	}

	img, err := imaging.Open(outFile)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to decode extracted frame: %w", err)
	}

	return Frame{
		Image:       img,
		URI:         outFile,
		TimestampMs: timestampMs,
	}, nil
}

// Cleanup removes the cached frame files.
func (fe *FrameExtractor) Cleanup() error {
	return os.RemoveAll(fe.cacheDir)
}

func pathKey(path string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(path); i++ {
		h ^= uint32(path[i])
		h *= 16777619
	}
	return h
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndex(s, "\n"); idx != -1 {
		return strings.TrimSpace(s[idx+1:])
	}
	return s
}
