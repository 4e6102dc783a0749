// Package transcode wraps the external ffmpeg process that trims clips.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// commandContext is swapped by tests to avoid invoking the real binary.
var commandContext = exec.CommandContext

// ErrTimeout is returned when a trim exceeds its time budget.
var ErrTimeout = errors.New("transcode timed out")

// Trimmer trims an input file to [start, end) seconds and writes outputPath.
type Trimmer interface {
	Trim(ctx context.Context, inputPath, outputPath string, start, end float64) error
}

// FFmpeg trims with the ffmpeg CLI, re-encoding to H.264/AAC.
type FFmpeg struct {
	binary  string
	timeout time.Duration
}

// Option customizes an FFmpeg trimmer.
type Option func(*FFmpeg)

// WithBinary overrides the ffmpeg executable path.
func WithBinary(binary string) Option {
	return func(f *FFmpeg) {
		if strings.TrimSpace(binary) != "" {
			f.binary = binary
		}
	}
}

// WithTimeout bounds every invocation. Zero disables the bound.
func WithTimeout(timeout time.Duration) Option {
	return func(f *FFmpeg) {
		f.timeout = timeout
	}
}

// NewFFmpeg constructs an ffmpeg trimmer.
func NewFFmpeg(opts ...Option) *FFmpeg {
	f := &FFmpeg{binary: "ffmpeg", timeout: 10 * time.Minute}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Trim runs ffmpeg and reports a non-zero exit as an error carrying its output tail.
func (f *FFmpeg) Trim(ctx context.Context, inputPath, outputPath string, start, end float64) error {
	if inputPath == "" || outputPath == "" {
		return errors.New("ffmpeg trim: input and output paths are required")
	}
	if start < 0 || end <= start {
		return fmt.Errorf("ffmpeg trim: invalid range %g-%g", start, end)
	}

	runCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	cmd := commandContext(runCtx, f.binary, Args(inputPath, outputPath, start, end)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrTimeout, f.timeout)
		}
		return fmt.Errorf("ffmpeg trim: %w: %s", err, tail(string(output), 512))
	}
	return nil
}

// Args builds the ffmpeg argument list for a trim.
func Args(inputPath, outputPath string, start, end float64) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", inputPath,
		"-ss", formatSeconds(start),
		"-to", formatSeconds(end),
		"-c:v", "libx264",
		"-c:a", "aac",
		outputPath,
	}
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
