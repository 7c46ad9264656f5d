package compose

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vidcompose/config"

	"github.com/google/shlex"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// FFmpeg merges videos with the concat demuxer. Inputs are concatenated in
// the order given; percent progress is derived from ffmpeg's out_time against
// the estimated total duration of all inputs.
type FFmpeg struct {
	cfg    *config.Config
	logger *slog.Logger
}

func NewFFmpeg(cfg *config.Config, logger *slog.Logger) (*FFmpeg, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	if _, err := exec.LookPath(cfg.FFProbeBin); err != nil {
		return nil, fmt.Errorf("ffprobe binary not found or not in PATH: %s", cfg.FFProbeBin)
	}

	if cfg.WorkDir == "" {
		workDir, err := os.MkdirTemp("", "vidcompose_")
		if err != nil {
			return nil, fmt.Errorf("could not create work directory: %w", err)
		}
		logger.Info("using work directory", "path", workDir)
		cfg.WorkDir = workDir
	}

	return &FFmpeg{cfg: cfg, logger: logger}, nil
}

// Compose merges inputs into outputPath. On cancellation or failure no file
// is left at outputPath. report is called with whole percents at bounded
// intervals, never finer than the configured progress step.
func (f *FFmpeg) Compose(ctx context.Context, inputs []string, outputPath string, report func(percent int)) error {
	if err := f.checkResources(); err != nil {
		return fmt.Errorf("insufficient system resources: %w", err)
	}

	sizes, err := f.validateInputs(inputs)
	if err != nil {
		return err
	}

	totalSeconds := f.estimateTotalDuration(ctx, inputs, sizes)
	report(0)

	listPath, err := f.writeConcatList(inputs, outputPath)
	if err != nil {
		return err
	}
	defer os.Remove(listPath)

	args, err := f.buildArgs(listPath, outputPath)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, f.cfg.FFBin, args...)
	progressPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("could not attach progress pipe: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	f.logger.Info("executing merge", "bin", f.cfg.FFBin, "inputs", len(inputs), "output", outputPath)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not start ffmpeg: %w", err)
	}

	f.trackProgress(progressPipe, totalSeconds, report)

	err = cmd.Wait()

	if ctx.Err() != nil {
		// Cancelled between safe points; the partial output must not survive.
		os.Remove(outputPath)
		return ctx.Err()
	}
	if err != nil {
		os.Remove(outputPath)
		return fmt.Errorf("ffmpeg execution failed: %w: %s", err, lastLines(stderrBuf.String(), 3))
	}
	return nil
}

// validateInputs checks that every source exists and fits the size limit.
// It returns the file sizes for duration estimation.
func (f *FFmpeg) validateInputs(inputs []string) ([]int64, error) {
	sizes := make([]int64, len(inputs))
	for i, path := range inputs {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInputMissing, path)
		}
		if f.cfg.MaxInputSize > 0 && info.Size() > f.cfg.MaxInputSize {
			return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrInputTooLarge, path, info.Size(), f.cfg.MaxInputSize)
		}
		sizes[i] = info.Size()
	}
	return sizes, nil
}

// estimateTotalDuration sums per-input durations probed with ffprobe.
// Inputs ffprobe cannot measure are approximated from their byte size using
// the average seconds-per-byte of the measured ones. Returns 0 when nothing
// could be measured, which disables intermediate progress reporting.
func (f *FFmpeg) estimateTotalDuration(ctx context.Context, inputs []string, sizes []int64) float64 {
	var knownSeconds float64
	var knownBytes, unknownBytes int64

	for i, path := range inputs {
		seconds, err := f.probeDuration(ctx, path)
		if err != nil || seconds <= 0 {
			f.logger.Warn("could not probe duration", "path", path, "error", err)
			unknownBytes += sizes[i]
			continue
		}
		knownSeconds += seconds
		knownBytes += sizes[i]
	}

	if knownSeconds == 0 {
		return 0
	}
	if unknownBytes > 0 && knownBytes > 0 {
		knownSeconds += float64(unknownBytes) * (knownSeconds / float64(knownBytes))
	}
	return knownSeconds
}

func (f *FFmpeg) probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.cfg.FFProbeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
}

// writeConcatList writes the concat demuxer input list next to the output
// file. Single quotes in paths are escaped per the demuxer's quoting rules.
func (f *FFmpeg) writeConcatList(inputs []string, outputPath string) (string, error) {
	var b strings.Builder
	for _, path := range inputs {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		escaped := strings.ReplaceAll(abs, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}

	listPath := outputPath + ".inputs.txt"
	if err := os.WriteFile(listPath, []byte(b.String()), 0o600); err != nil {
		return "", fmt.Errorf("could not write concat list: %w", err)
	}
	return listPath, nil
}

func (f *FFmpeg) buildArgs(listPath, outputPath string) ([]string, error) {
	args := []string{
		"-hide_banner", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
	}

	extra, err := shlex.Split(f.cfg.FFExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("invalid FF_EXTRA_ARGS: %w", err)
	}
	if len(extra) == 0 {
		extra = []string{"-c", "copy"}
	}
	args = append(args, extra...)

	args = append(args, "-progress", "pipe:1", "-nostats", outputPath)
	return args, nil
}

// trackProgress reads ffmpeg's key=value progress stream and reports whole
// percents, at most once per configured step. 100 is reserved for the
// completion path.
func (f *FFmpeg) trackProgress(r io.Reader, totalSeconds float64, report func(int)) {
	step := f.cfg.ProgressStep
	if step <= 0 {
		step = 10
	}

	lastReported := 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if totalSeconds <= 0 {
			continue
		}

		var elapsedUs int64
		if v, ok := strings.CutPrefix(line, "out_time_us="); ok {
			elapsedUs, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		} else if v, ok := strings.CutPrefix(line, "out_time_ms="); ok {
			elapsedUs, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		} else {
			continue
		}
		if elapsedUs <= 0 {
			continue
		}

		percent := int(float64(elapsedUs) / 1e6 / totalSeconds * 100)
		if percent > 99 {
			percent = 99
		}
		if percent >= lastReported+step {
			lastReported = percent
			report(percent)
		}
	}
}

// checkResources verifies that the system has enough free resources to start a new merge.
func (f *FFmpeg) checkResources() error {
	// CPU
	p, err := cpu.Percent(time.Second, false)
	if err != nil {
		f.logger.Warn("could not get CPU usage", "error", err)
	} else if len(p) > 0 && p[0] > (100.0-f.cfg.ThrottleCPU) {
		return fmt.Errorf("not enough idle CPU: usage %.2f%%, idle threshold %.2f%%", p[0], f.cfg.ThrottleCPU)
	}

	// Memory
	vm, err := mem.VirtualMemory()
	if err != nil {
		f.logger.Warn("could not get memory usage", "error", err)
	} else if vm.Available < uint64(f.cfg.ThrottleFreeMem) {
		return fmt.Errorf("not enough free memory: available %d, required %d", vm.Available, f.cfg.ThrottleFreeMem)
	}

	// Disk
	d, err := disk.Usage(f.cfg.WorkDir)
	if err != nil {
		f.logger.Warn("could not get disk usage", "path", f.cfg.WorkDir, "error", err)
	} else if d.Free < uint64(f.cfg.ThrottleFreeDisk) {
		return fmt.Errorf("not enough free disk space: available %d, required %d", d.Free, f.cfg.ThrottleFreeDisk)
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
