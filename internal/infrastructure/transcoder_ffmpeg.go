package infrastructure

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

// stderrTail bounds the ffmpeg output kept in error messages
const stderrTail = 2000

// FFmpegTranscoder re-encodes videos with an ffmpeg subprocess
type FFmpegTranscoder struct {
	binary  string
	logsDir string
	logger  *zap.Logger

	logMu sync.Mutex
}

// NewFFmpegTranscoder creates a transcoder. When logsDir is set every run is
// appended to a per-day ffmpeg log there.
func NewFFmpegTranscoder(binary, logsDir string, logger *zap.Logger) *FFmpegTranscoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpegTranscoder{binary: binary, logsDir: logsDir, logger: logger}
}

// Available checks that the ffmpeg binary can be found
func (t *FFmpegTranscoder) Available() error {
	if _, err := exec.LookPath(t.binary); err != nil {
		return fmt.Errorf("ffmpeg not found (%s): %w", t.binary, err)
	}
	return nil
}

// encoderFor names the ffmpeg video encoder of an accelerator
func encoderFor(accel domain.HWAccel, h265 bool) string {
	codec := "h264"
	if h265 {
		codec = "hevc"
	}
	switch accel {
	case domain.HWAccelNVIDIA:
		return codec + "_nvenc"
	case domain.HWAccelIntel:
		return codec + "_qsv"
	case domain.HWAccelAMD:
		return codec + "_amf"
	default:
		if h265 {
			return "libx265"
		}
		return "libx264"
	}
}

// ProbeHWAccel checks that the requested accelerator's encoder is usable by
// listing the encoders and running a tiny test encode. Anything short of that
// yields HWAccelSoftwareFallback.
func (t *FFmpegTranscoder) ProbeHWAccel(ctx context.Context, requested domain.HWAccel, h265 bool) domain.HWAccel {
	if !requested.IsHardware() {
		return domain.HWAccelNone
	}
	encoder := encoderFor(requested, h265)

	out, err := exec.CommandContext(ctx, t.binary, "-hide_banner", "-encoders").Output()
	if err != nil {
		t.logger.Warn("Could not list ffmpeg encoders, using software encoding", zap.Error(err))
		return domain.HWAccelSoftwareFallback
	}
	if !hasEncoder(string(out), encoder) {
		t.logger.Warn("Hardware encoder not available, using software encoding",
			zap.String("accelerator", string(requested)),
			zap.String("encoder", encoder))
		return domain.HWAccelSoftwareFallback
	}

	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	cmd := exec.CommandContext(probeCtx, t.binary,
		"-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "color=c=black:s=256x256:d=0.1",
		"-c:v", encoder, "-f", "null", "-")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.logger.Warn("Hardware encoder failed a test encode, using software encoding",
			zap.String("encoder", encoder),
			zap.String("output", tail(string(output), 300)),
			zap.Error(err))
		return domain.HWAccelSoftwareFallback
	}
	return requested
}

// hasEncoder scans `ffmpeg -encoders` output for an encoder name
func hasEncoder(listing, encoder string) bool {
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == encoder {
			return true
		}
	}
	return false
}

// buildTranscodeArgs builds the ffmpeg arguments for a video profile. The
// software fallback encodes exactly like HWAccelNone.
func buildTranscodeArgs(src, dst string, profile domain.OptimizeProfile) []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error", "-i", src}

	accel := profile.HWAccel
	if !accel.IsHardware() {
		accel = domain.HWAccelNone
	}
	crf := strconv.Itoa(profile.CRF)
	args = append(args, "-c:v", encoderFor(accel, profile.UseH265))

	switch accel {
	case domain.HWAccelNVIDIA:
		args = append(args, "-rc", "vbr", "-cq", crf)
		if profile.Preset != "" {
			args = append(args, "-preset", nvencPreset(profile.Preset))
		}
	case domain.HWAccelIntel:
		args = append(args, "-global_quality", crf)
		if profile.Preset != "" {
			args = append(args, "-preset", profile.Preset)
		}
	case domain.HWAccelAMD:
		args = append(args, "-rc", "cqp", "-qp_i", crf, "-qp_p", crf)
	default:
		args = append(args, "-crf", crf)
		if profile.Preset != "" {
			args = append(args, "-preset", profile.Preset)
		}
	}

	return append(args,
		"-pix_fmt", "yuv420p",
		"-c:a", "copy",
		"-movflags", "+faststart",
		"-y", dst)
}

// nvencPreset maps x264 preset names onto the nvenc p1..p7 scale
func nvencPreset(preset string) string {
	switch preset {
	case "ultrafast", "superfast":
		return "p1"
	case "veryfast":
		return "p2"
	case "faster":
		return "p3"
	case "fast":
		return "p4"
	case "medium":
		return "p5"
	case "slow":
		return "p6"
	case "slower", "veryslow":
		return "p7"
	default:
		return preset
	}
}

// Transcode re-encodes src into dst. A partial dst is removed on failure.
func (t *FFmpegTranscoder) Transcode(ctx context.Context, src, dst string, profile domain.OptimizeProfile) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	args := buildTranscodeArgs(src, dst, profile)
	cmdLine := ShellEscapeCommand(t.binary, args...)
	t.logger.Debug("Running ffmpeg", zap.String("command", cmdLine))

	cmd := exec.CommandContext(ctx, t.binary, args...)
	detachSignals(cmd)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	started := time.Now()
	err := cmd.Run()
	t.appendLog(cmdLine, output.Bytes(), err, time.Since(started))

	if err != nil {
		os.Remove(dst)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, tail(output.String(), stderrTail))
	}
	return nil
}

// appendLog writes one run to today's ffmpeg log. Runs are written whole so
// parallel encodes do not interleave.
func (t *FFmpegTranscoder) appendLog(cmdLine string, output []byte, runErr error, took time.Duration) {
	if t.logsDir == "" {
		return
	}

	t.logMu.Lock()
	defer t.logMu.Unlock()

	if err := os.MkdirAll(t.logsDir, 0755); err != nil {
		t.logger.Warn("Failed to create logs directory", zap.Error(err))
		return
	}
	path := filepath.Join(t.logsDir, "ffmpeg-"+time.Now().Format("20060102")+".log")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.logger.Warn("Failed to open ffmpeg log", zap.Error(err))
		return
	}
	defer file.Close()

	var b strings.Builder
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(&b, "\n=== [%s] Transcode ===\n$ %s\n", timestamp, cmdLine)
	b.Write(output)
	if runErr != nil {
		fmt.Fprintf(&b, "[%s] FAILED after %s: %v\n", timestamp, took.Round(time.Millisecond), runErr)
	} else {
		fmt.Fprintf(&b, "[%s] SUCCESS in %s\n", timestamp, took.Round(time.Millisecond))
	}
	b.WriteString("=== END ===\n")
	file.WriteString(b.String())
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
