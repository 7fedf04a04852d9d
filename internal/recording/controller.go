package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tidemeet/media-server/internal/core"
	"github.com/tidemeet/media-server/internal/domain"
	"github.com/tidemeet/media-server/internal/media"
)

type state string

const (
	stateIdle      state = "IDLE"
	stateStarting  state = "STARTING"
	stateRecording state = "RECORDING"
	stateStopping  state = "STOPPING"
)

// Options are the recording-wide knobs shared by all controllers.
type Options struct {
	OutputDir    string
	ListenIP     string
	StopTimeout  time.Duration
	ReadyTimeout time.Duration
}

// Service owns the shared recording infrastructure: the ledger client, the
// port pool and the pipeline factory. It vends one Controller per recording
// window through Factory.
type Service struct {
	Ledger      *Ledger
	Ports       *PortPool
	NewPipeline PipelineFactory
	Opts        Options
}

// Factory adapts the service to the session layer's RecorderFactory.
func (s *Service) Factory() core.RecorderFactory {
	return func(sessionID domain.SessionID, workspaceID domain.WorkspaceID, recorderID domain.UserID, router media.Router, onFailure func(reason string)) core.Recorder {
		return &Controller{
			svc:         s,
			sessionID:   sessionID,
			workspaceID: workspaceID,
			recorderID:  recorderID,
			router:      router,
			onFailure:   onFailure,
			state:       stateIdle,
		}
	}
}

// Controller drives one recording window: ledger handshake, loopback
// forwarding transports, pipeline subprocess, teardown. Bound 1:1 to a
// session while its recording is active.
type Controller struct {
	svc         *Service
	sessionID   domain.SessionID
	workspaceID domain.WorkspaceID
	recorderID  domain.UserID
	router      media.Router
	onFailure   func(reason string)

	mu          sync.Mutex
	state       state
	recordingID string
	filePath    string
	pipeline    Pipeline
	transports  []media.PlainTransport
	consumers   []media.Consumer
	ports       []PortPair
}

func (c *Controller) Start(ctx context.Context, video, audio media.Producer) (core.RecordingStart, error) {
	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		return core.RecordingStart{}, core.ErrAlreadyRecording
	}
	c.state = stateStarting
	c.mu.Unlock()

	if video == nil && audio == nil {
		c.reset()
		return core.RecordingStart{}, core.ErrNoMediaToRecord
	}

	rec, err := c.svc.Ledger.Start(ctx, c.sessionID, c.workspaceID, c.recorderID)
	if err != nil {
		c.reset()
		return core.RecordingStart{}, err
	}
	c.recordingID = rec.RecordingID

	localDir := filepath.Join(c.svc.Opts.OutputDir, string(c.workspaceID), string(c.sessionID))
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		c.failStart(ctx, fmt.Errorf("recording dir: %w", err))
		return core.RecordingStart{}, err
	}
	c.filePath = filepath.Join(localDir, filepath.Base(rec.FilePath))

	var videoPair, audioPair PortPair
	var videoConsumer, audioConsumer media.Consumer
	var videoTransport, audioTransport media.PlainTransport

	if video != nil {
		if videoPair, videoTransport, videoConsumer, err = c.setupStream(video); err != nil {
			c.failStart(ctx, err)
			return core.RecordingStart{}, err
		}
	}
	if audio != nil {
		if audioPair, audioTransport, audioConsumer, err = c.setupStream(audio); err != nil {
			c.failStart(ctx, err)
			return core.RecordingStart{}, err
		}
	}

	var videoParams, audioParams *media.RTPParameters
	if videoConsumer != nil {
		p := videoConsumer.RTPParameters()
		videoParams = &p
	}
	if audioConsumer != nil {
		p := audioConsumer.RTPParameters()
		audioParams = &p
	}

	sdp := renderSDP(videoPair.RTP, audioPair.RTP, videoParams, audioParams)
	sdpPath := filepath.Join(localDir, "recording.sdp")
	if err := os.WriteFile(sdpPath, []byte(sdp), 0o644); err != nil {
		c.failStart(ctx, fmt.Errorf("write sdp: %w", err))
		return core.RecordingStart{}, err
	}

	pipeline := c.svc.NewPipeline(sdpPath, c.filePath)
	if err := pipeline.Start(ctx); err != nil {
		c.failStart(ctx, err)
		return core.RecordingStart{}, err
	}
	c.mu.Lock()
	c.pipeline = pipeline
	c.mu.Unlock()

	// The pipeline must be listening before media flows or the first
	// packets are lost.
	readyCtx, cancel := context.WithTimeout(ctx, c.svc.Opts.ReadyTimeout)
	err = pipeline.WaitReady(readyCtx)
	cancel()
	if err != nil {
		c.failStart(ctx, err)
		return core.RecordingStart{}, err
	}

	if videoTransport != nil {
		if err := videoTransport.Connect(c.svc.Opts.ListenIP, videoPair.RTP, videoPair.RTCP); err != nil {
			c.failStart(ctx, fmt.Errorf("connect video transport: %w", err))
			return core.RecordingStart{}, err
		}
	}
	if audioTransport != nil {
		if err := audioTransport.Connect(c.svc.Opts.ListenIP, audioPair.RTP, audioPair.RTCP); err != nil {
			c.failStart(ctx, fmt.Errorf("connect audio transport: %w", err))
			return core.RecordingStart{}, err
		}
	}

	for _, consumer := range c.snapshotConsumers() {
		if err := consumer.Resume(); err != nil {
			c.failStart(ctx, fmt.Errorf("resume consumer: %w", err))
			return core.RecordingStart{}, err
		}
	}
	for _, prod := range []media.Producer{video, audio} {
		if prod != nil && prod.Paused() {
			if err := prod.Resume(); err != nil {
				log.Warn().Err(err).Str("module", "recording").Msg("resume source producer")
			}
		}
	}

	c.mu.Lock()
	c.state = stateRecording
	c.mu.Unlock()
	go c.watch()

	log.Info().Str("module", "recording").Str("session", string(c.sessionID)).
		Str("recording", c.recordingID).Msg("recording started")
	return core.RecordingStart{RecordingID: c.recordingID}, nil
}

func (c *Controller) setupStream(prod media.Producer) (PortPair, media.PlainTransport, media.Consumer, error) {
	pair, err := c.svc.Ports.Allocate()
	if err != nil {
		return PortPair{}, nil, nil, err
	}
	transport, err := c.router.CreatePlainTransport(c.svc.Opts.ListenIP)
	if err != nil {
		c.svc.Ports.Release(pair)
		return PortPair{}, nil, nil, fmt.Errorf("create plain transport: %w", err)
	}
	consumer, err := transport.Consume(prod.ID(), true)
	if err != nil {
		_ = transport.Close()
		c.svc.Ports.Release(pair)
		return PortPair{}, nil, nil, fmt.Errorf("create forwarding consumer: %w", err)
	}

	c.mu.Lock()
	c.ports = append(c.ports, pair)
	c.transports = append(c.transports, transport)
	c.consumers = append(c.consumers, consumer)
	c.mu.Unlock()
	return pair, transport, consumer, nil
}

func (c *Controller) Stop(ctx context.Context) (core.RecordingStop, error) {
	c.mu.Lock()
	if c.state != stateRecording {
		c.mu.Unlock()
		return core.RecordingStop{}, core.ErrNotRecording
	}
	c.state = stateStopping
	pipeline := c.pipeline
	c.mu.Unlock()

	if pipeline != nil {
		if err := pipeline.Stop(c.svc.Opts.StopTimeout); err != nil {
			log.Warn().Err(err).Str("module", "recording").Msg("pipeline stop")
		}
	}
	c.closeMedia()

	var fileSize int64
	if info, err := os.Stat(c.filePath); err == nil {
		fileSize = info.Size()
	}

	// The local artifact exists regardless of ledger reachability; a failed
	// notification is reported but must not undo the stop.
	if err := c.svc.Ledger.Stop(ctx, c.recordingID, fileSize); err != nil {
		log.Error().Err(err).Str("module", "recording").Str("recording", c.recordingID).Msg("ledger stop notification")
	}

	c.reset()
	log.Info().Str("module", "recording").Str("recording", c.recordingID).
		Int64("size", fileSize).Msg("recording stopped")
	return core.RecordingStop{RecordingID: c.recordingID, FileSize: fileSize}, nil
}

// watch turns an unexpected pipeline exit into a failure: ledger notified,
// transports closed, no dangling loopback sockets.
func (c *Controller) watch() {
	c.mu.Lock()
	pipeline := c.pipeline
	c.mu.Unlock()
	if pipeline == nil {
		return
	}
	<-pipeline.Done()

	c.mu.Lock()
	if c.state != stateRecording {
		c.mu.Unlock()
		return
	}
	c.state = stateStopping
	c.mu.Unlock()

	reason := "pipeline exited unexpectedly"
	if err := pipeline.Err(); err != nil {
		reason = fmt.Sprintf("pipeline exited unexpectedly: %v", err)
	}
	log.Error().Str("module", "recording").Str("recording", c.recordingID).Msg(reason)

	c.closeMedia()
	ctx, cancel := context.WithTimeout(context.Background(), c.svc.Opts.StopTimeout)
	if err := c.svc.Ledger.Fail(ctx, c.recordingID, reason); err != nil {
		log.Error().Err(err).Str("module", "recording").Msg("ledger fail notification")
	}
	cancel()
	c.reset()
	if c.onFailure != nil {
		c.onFailure(reason)
	}
}

// failStart cleans up a partially-built recording so a failed start leaks
// nothing.
func (c *Controller) failStart(ctx context.Context, cause error) {
	log.Error().Err(cause).Str("module", "recording").Str("session", string(c.sessionID)).Msg("recording start failed")
	c.mu.Lock()
	pipeline := c.pipeline
	c.mu.Unlock()
	if pipeline != nil {
		_ = pipeline.Stop(c.svc.Opts.StopTimeout)
	}
	c.closeMedia()
	if c.recordingID != "" {
		if err := c.svc.Ledger.Fail(ctx, c.recordingID, cause.Error()); err != nil {
			log.Error().Err(err).Str("module", "recording").Msg("ledger fail notification")
		}
	}
	c.reset()
}

func (c *Controller) closeMedia() {
	c.mu.Lock()
	consumers := c.consumers
	transports := c.transports
	ports := c.ports
	c.consumers = nil
	c.transports = nil
	c.ports = nil
	c.mu.Unlock()

	for _, cons := range consumers {
		if err := cons.Close(); err != nil {
			log.Warn().Err(err).Str("module", "recording").Msg("close forwarding consumer")
		}
	}
	for _, t := range transports {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("module", "recording").Msg("close forwarding transport")
		}
	}
	for _, pair := range ports {
		c.svc.Ports.Release(pair)
	}
}

func (c *Controller) snapshotConsumers() []media.Consumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]media.Consumer, len(c.consumers))
	copy(out, c.consumers)
	return out
}

func (c *Controller) reset() {
	c.mu.Lock()
	c.state = stateIdle
	c.pipeline = nil
	c.mu.Unlock()
}
