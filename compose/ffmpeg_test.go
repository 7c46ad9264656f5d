package compose

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"vidcompose/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFFmpeg(t *testing.T) *FFmpeg {
	return &FFmpeg{
		cfg: &config.Config{
			FFBin:        "ffmpeg",
			FFProbeBin:   "ffprobe-missing-for-tests",
			WorkDir:      t.TempDir(),
			ProgressStep: 10,
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func writeTempVideo(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	return path
}

func TestValidateInputs(t *testing.T) {
	f := testFFmpeg(t)
	dir := t.TempDir()
	a := writeTempVideo(t, dir, "a.mp4", 10)
	b := writeTempVideo(t, dir, "b.mp4", 20)

	t.Run("returns sizes for readable inputs", func(t *testing.T) {
		sizes, err := f.validateInputs([]string{a, b})
		require.NoError(t, err)
		assert.Equal(t, []int64{10, 20}, sizes)
	})

	t.Run("missing input", func(t *testing.T) {
		_, err := f.validateInputs([]string{a, filepath.Join(dir, "gone.mp4")})
		assert.ErrorIs(t, err, ErrInputMissing)
	})

	t.Run("oversized input", func(t *testing.T) {
		f.cfg.MaxInputSize = 15
		defer func() { f.cfg.MaxInputSize = 0 }()
		_, err := f.validateInputs([]string{a, b})
		assert.ErrorIs(t, err, ErrInputTooLarge)
	})
}

func TestWriteConcatList(t *testing.T) {
	f := testFFmpeg(t)
	dir := t.TempDir()
	a := writeTempVideo(t, dir, "a.mp4", 1)
	quoted := writeTempVideo(t, dir, "it's.mp4", 1)
	outputPath := filepath.Join(f.cfg.WorkDir, "out.mp4")

	listPath, err := f.writeConcatList([]string{a, quoted}, outputPath)
	require.NoError(t, err)
	defer os.Remove(listPath)

	content, err := os.ReadFile(listPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "file '"+a+"'", lines[0])
	assert.Contains(t, lines[1], `'\''`)
}

func TestBuildArgs(t *testing.T) {
	t.Run("defaults to stream copy", func(t *testing.T) {
		f := testFFmpeg(t)
		args, err := f.buildArgs("/tmp/list.txt", "/tmp/out.mp4")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"-hide_banner", "-y",
			"-f", "concat", "-safe", "0",
			"-i", "/tmp/list.txt",
			"-c", "copy",
			"-progress", "pipe:1", "-nostats", "/tmp/out.mp4",
		}, args)
	})

	t.Run("extra args replace the codec settings", func(t *testing.T) {
		f := testFFmpeg(t)
		f.cfg.FFExtraArgs = `-c:v libx264 -preset fast`
		args, err := f.buildArgs("/tmp/list.txt", "/tmp/out.mp4")
		require.NoError(t, err)
		assert.Contains(t, strings.Join(args, " "), "-c:v libx264 -preset fast")
		assert.NotContains(t, args, "copy")
	})

	t.Run("malformed extra args", func(t *testing.T) {
		f := testFFmpeg(t)
		f.cfg.FFExtraArgs = `-metadata title="unterminated`
		_, err := f.buildArgs("/tmp/list.txt", "/tmp/out.mp4")
		assert.Error(t, err)
	})
}

func TestTrackProgress(t *testing.T) {
	t.Run("reports whole percents no finer than the step", func(t *testing.T) {
		f := testFFmpeg(t)
		// 100 seconds of estimated work, updates every 5 simulated seconds.
		var b strings.Builder
		for us := int64(5_000_000); us <= 100_000_000; us += 5_000_000 {
			b.WriteString("frame=1\n")
			b.WriteString("out_time_us=" + strconv.FormatInt(us, 10) + "\n")
			b.WriteString("progress=continue\n")
		}

		var reported []int
		f.trackProgress(strings.NewReader(b.String()), 100, func(p int) {
			reported = append(reported, p)
		})

		assert.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80, 90}, reported)
	})

	t.Run("caps at 99 leaving 100 for completion", func(t *testing.T) {
		f := testFFmpeg(t)
		input := "out_time_us=500000000\nprogress=end\n"

		var reported []int
		f.trackProgress(strings.NewReader(input), 100, func(p int) {
			reported = append(reported, p)
		})

		assert.Equal(t, []int{99}, reported)
	})

	t.Run("no reports when total work is unknown", func(t *testing.T) {
		f := testFFmpeg(t)
		input := "out_time_us=5000000\nprogress=continue\n"

		called := false
		f.trackProgress(strings.NewReader(input), 0, func(int) { called = true })
		assert.False(t, called)
	})
}

func TestEstimateTotalDuration(t *testing.T) {
	// ffprobe is deliberately unavailable in the test config, so every probe
	// fails and the estimate degrades to unknown.
	f := testFFmpeg(t)
	dir := t.TempDir()
	a := writeTempVideo(t, dir, "a.mp4", 10)
	b := writeTempVideo(t, dir, "b.mp4", 20)

	total := f.estimateTotalDuration(context.Background(), []string{a, b}, []int64{10, 20})
	assert.Zero(t, total)
}
