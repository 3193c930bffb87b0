package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// maxStderrLines is how many recent stderr lines a Command keeps.
const maxStderrLines = 100

// Command represents an FFmpeg command to execute.
type Command struct {
	Binary string
	Args   []string
	Input  string
	Output string

	cmd     *exec.Cmd
	started time.Time
	mu      sync.RWMutex

	stderrLines []string
	stderrMu    sync.RWMutex
}

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	outputArgs []string
	output     string
	logLevel   string
	overwrite  bool
}

// NewCommandBuilder creates a new FFmpeg command builder. The default log
// level is "info" because progress parsing needs the Duration banner line.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "info",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Stats enables progress stats output.
func (b *CommandBuilder) Stats() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-stats")
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs adds arbitrary input arguments.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	if codec != "" {
		b.outputArgs = append(b.outputArgs, "-c:v", codec)
	}
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	if codec != "" {
		b.outputArgs = append(b.outputArgs, "-c:a", codec)
	}
	return b
}

// VideoBitrate sets the video bitrate in kbps. Zero leaves the encoder default.
func (b *CommandBuilder) VideoBitrate(kbps int) *CommandBuilder {
	if kbps > 0 {
		b.outputArgs = append(b.outputArgs, "-b:v", strconv.Itoa(kbps)+"k")
	}
	return b
}

// AudioBitrate sets the audio bitrate in kbps. Zero leaves the encoder default.
func (b *CommandBuilder) AudioBitrate(kbps int) *CommandBuilder {
	if kbps > 0 {
		b.outputArgs = append(b.outputArgs, "-b:a", strconv.Itoa(kbps)+"k")
	}
	return b
}

// VideoPreset sets the encoding preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	if preset != "" {
		b.outputArgs = append(b.outputArgs, "-preset", preset)
	}
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// VODHLSArgs adds arguments for a complete (VOD) HLS rendition written to
// disk. segmentPattern is the segment filename template, e.g. "seg_%05d.ts".
func (b *CommandBuilder) VODHLSArgs(segmentSeconds int, segmentPattern string) *CommandBuilder {
	if segmentSeconds <= 0 {
		segmentSeconds = 6
	}
	b.outputArgs = append(b.outputArgs,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", segmentPattern,
	)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)

	if b.overwrite {
		args = append(args, "-y")
	}

	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)
	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return NewCommand(b.binary, args...)
}

// NewCommand wraps an explicit argument vector.
func NewCommand(binary string, args ...string) *Command {
	c := &Command{
		Binary:      binary,
		Args:        args,
		stderrLines: make([]string, 0, maxStderrLines),
	}
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-i" {
			c.Input = args[i+1]
			break
		}
	}
	if len(args) > 0 {
		c.Output = args[len(args)-1]
	}
	return c
}

// HLSOutput returns the playlist and segment pattern paths for an output dir.
func HLSOutput(outputDir string) (playlist, segmentPattern string) {
	return filepath.Join(outputDir, "index.m3u8"), filepath.Join(outputDir, "seg_%05d.ts")
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Start launches the process and returns its stderr split into lines. The
// channel is closed when stderr reaches EOF, after which Wait must be called.
// Lines are split on both '\n' and '\r' since ffmpeg rewrites its stats line
// in place.
func (c *Command) Start(ctx context.Context) (<-chan string, error) {
	c.mu.Lock()
	c.cmd = exec.CommandContext(ctx, c.Binary, c.Args...)
	c.cmd.WaitDelay = 5 * time.Second
	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("getting stderr pipe: %w", err)
	}
	if err := c.cmd.Start(); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("starting %s: %w", filepath.Base(c.Binary), err)
	}
	c.started = time.Now()
	c.mu.Unlock()

	lines := make(chan string, 64)
	go c.captureStderr(stderr, lines)
	return lines, nil
}

// Wait waits for the command to complete.
func (c *Command) Wait() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil {
		return fmt.Errorf("command not started")
	}

	return cmd.Wait()
}

// Kill terminates the FFmpeg process.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	return cmd.Process.Kill()
}

// Pid returns the process id, or 0 before Start.
func (c *Command) Pid() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// IsRunning returns true if the command is running.
func (c *Command) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return false
	}

	return c.cmd.ProcessState == nil
}

// Duration returns how long the command has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.started.IsZero() {
		return 0
	}

	return time.Since(c.started)
}

func (c *Command) captureStderr(stderr io.Reader, out chan<- string) {
	defer close(out)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLinesCR)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		c.keepLine(line)
		out <- line
	}

	// A line past the scanner limit ends scanning. The rest is discarded
	// so the process never blocks writing to a full pipe.
	if err := scanner.Err(); err != nil {
		c.keepLine("stderr capture stopped: " + err.Error())
	}
	_, _ = io.Copy(io.Discard, stderr)
}

func (c *Command) keepLine(line string) {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	if len(c.stderrLines) >= maxStderrLines {
		c.stderrLines = c.stderrLines[1:]
	}
	c.stderrLines = append(c.stderrLines, line)
}

// GetStderrLines returns the recent stderr lines captured from FFmpeg.
func (c *Command) GetStderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

// scanLinesCR is bufio.ScanLines that also treats a bare '\r' as a line end.
func scanLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ExitStatus describes how a finished process ended.
type ExitStatus struct {
	// Code is the exit code, nil when the process was signalled or never ran.
	Code *int
	// Signal names the terminating signal, if any.
	Signal string
	// Err is set when the wait itself failed for a reason other than the exit.
	Err error
}

// Success reports exit code 0, or the absence of both code and signal.
func (s ExitStatus) Success() bool {
	if s.Err != nil {
		return false
	}
	return s.Code == nil && s.Signal == "" || s.Code != nil && *s.Code == 0
}

// ClassifyExit inspects the error returned by Wait.
func ClassifyExit(err error) ExitStatus {
	if err == nil {
		zero := 0
		return ExitStatus{Code: &zero}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitStatus{Err: err}
	}

	var st ExitStatus
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = ws.Signal().String()
		return st
	}
	if code := exitErr.ExitCode(); code >= 0 {
		st.Code = &code
	}
	return st
}

// LastLines returns up to n trailing stderr lines joined for error messages.
func (c *Command) LastLines(n int) string {
	lines := c.GetStderrLines()
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// RemoveInput deletes a temporary input file, ignoring a missing file.
func RemoveInput(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing input %s: %w", path, err)
	}
	return nil
}
