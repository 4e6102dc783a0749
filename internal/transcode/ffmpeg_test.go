package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func useHelper(t *testing.T, mode string, captured *[]string) {
	t.Helper()
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if captured != nil {
			*captured = append([]string(nil), args...)
		}
		cs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "FFMPEG_HELPER_MODE="+mode)
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
}

func TestArgs(t *testing.T) {
	got := Args("/tmp/in.mp4", "/tmp/in_cut.mp4", 5, 10.5)
	want := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", "/tmp/in.mp4",
		"-ss", "5", "-to", "10.5",
		"-c:v", "libx264", "-c:a", "aac",
		"/tmp/in_cut.mp4",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Args = %v, want %v", got, want)
	}
}

func TestTrimSuccessWritesOutput(t *testing.T) {
	var captured []string
	useHelper(t, "success", &captured)

	dir := t.TempDir()
	out := filepath.Join(dir, "clip_cut.mp4")
	if err := NewFFmpeg().Trim(context.Background(), filepath.Join(dir, "clip.mp4"), out, 5, 10); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected output file: %v", err)
	}
	if len(captured) == 0 || captured[len(captured)-1] != out {
		t.Fatalf("expected output path as last argument, got %v", captured)
	}
}

func TestTrimFailureIncludesOutput(t *testing.T) {
	useHelper(t, "fail", nil)

	dir := t.TempDir()
	err := NewFFmpeg().Trim(context.Background(), filepath.Join(dir, "clip.mp4"), filepath.Join(dir, "out.mp4"), 5, 10)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("failure must not be reported as timeout: %v", err)
	}
}

func TestTrimTimeout(t *testing.T) {
	useHelper(t, "hang", nil)

	dir := t.TempDir()
	err := NewFFmpeg(WithTimeout(200*time.Millisecond)).Trim(context.Background(), filepath.Join(dir, "clip.mp4"), filepath.Join(dir, "out.mp4"), 5, 10)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestTrimRejectsInvalidRange(t *testing.T) {
	if err := NewFFmpeg().Trim(context.Background(), "in", "out", 10, 5); err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	switch os.Getenv("FFMPEG_HELPER_MODE") {
	case "success":
		out := args[len(args)-1]
		if err := os.WriteFile(out, []byte("trimmed"), 0o644); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		os.Exit(0)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	default:
		fmt.Fprintln(os.Stderr, "Invalid data found when processing input")
		os.Exit(1)
	}
}
