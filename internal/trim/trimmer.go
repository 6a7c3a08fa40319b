// Package trim cuts a source video down to its essential segments using
// stream copies, so no re-encoding happens.
package trim

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/vidsift/vidsift/internal/analysis"
)

// Trimmer produces a trimmed rendition of a video from a set of keep-segments.
type Trimmer interface {
	Trim(ctx context.Context, sourcePath string, segments []analysis.Segment, outPath string) error
}

// FFmpeg shells out to the ffmpeg binary. Each segment is copied without
// re-encoding, then the parts are concatenated with the concat demuxer.
type FFmpeg struct {
	// Binary overrides the ffmpeg executable name, for tests.
	Binary string
}

// NewFFmpeg returns a trimmer using the ffmpeg found on PATH.
func NewFFmpeg() *FFmpeg {
	return &FFmpeg{Binary: "ffmpeg"}
}

// Available reports whether the ffmpeg binary can be found. Callers skip
// trimming rather than failing the job when it is absent.
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.Binary)
	return err == nil
}

func (f *FFmpeg) Trim(ctx context.Context, sourcePath string, segments []analysis.Segment, outPath string) error {
	if len(segments) == 0 {
		return fmt.Errorf("no segments to keep")
	}

	workDir, err := os.MkdirTemp(filepath.Dir(outPath), "trim-*")
	if err != nil {
		return fmt.Errorf("create trim workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	// Single segment: cut straight to the output, no concat needed.
	if len(segments) == 1 {
		return f.cut(ctx, sourcePath, segments[0], outPath)
	}

	var parts []string
	for i, seg := range segments {
		part := filepath.Join(workDir, fmt.Sprintf("part_%03d%s", i, filepath.Ext(outPath)))
		if err := f.cut(ctx, sourcePath, seg, part); err != nil {
			return fmt.Errorf("segment %d (%s to %s): %w", i, seg.Start, seg.End, err)
		}
		parts = append(parts, part)
	}

	listPath := filepath.Join(workDir, "concat.txt")
	var list strings.Builder
	for _, p := range parts {
		fmt.Fprintf(&list, "file '%s'\n", p)
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	cmd := exec.CommandContext(ctx, f.Binary,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("concat: %w: %s", err, tail(out))
	}
	return nil
}

func (f *FFmpeg) cut(ctx context.Context, sourcePath string, seg analysis.Segment, outPath string) error {
	cmd := exec.CommandContext(ctx, f.Binary,
		"-y",
		"-ss", seg.Start,
		"-to", seg.End,
		"-i", sourcePath,
		"-c", "copy",
		outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cut: %w: %s", err, tail(out))
	}
	return nil
}

// tail keeps the last part of ffmpeg's output, where the actual error lives.
func tail(out []byte) string {
	const max = 512
	s := strings.TrimSpace(string(out))
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
