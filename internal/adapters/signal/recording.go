package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tidemeet/media-server/internal/core"
	"github.com/tidemeet/media-server/internal/domain"
)

func (ctl *Controller) handleStartRecording(ctx context.Context, cl *client) {
	sess, p, ok := cl.bound()
	if !ok {
		ctl.sendError(cl.conn, core.ErrParticipantNotFound)
		return
	}

	res, err := sess.StartRecording(ctx, p.UserID)
	if err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	ctl.broadcastAll(sess, struct {
		Type        string        `json:"type"`
		RecordingID string        `json:"recordingId"`
		StartedBy   domain.UserID `json:"startedBy"`
	}{
		Type:        "recording-started",
		RecordingID: res.RecordingID,
		StartedBy:   p.UserID,
	})
	log.Info().Str("module", "signal").Str("session", string(sess.ID)).
		Str("recording", res.RecordingID).Str("by", string(p.UserID)).Msg("recording started")
}

func (ctl *Controller) handleStopRecording(ctx context.Context, cl *client) {
	sess, p, ok := cl.bound()
	if !ok {
		ctl.sendError(cl.conn, core.ErrParticipantNotFound)
		return
	}

	res, err := sess.StopRecording(ctx)
	if err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	ctl.broadcastAll(sess, struct {
		Type        string        `json:"type"`
		RecordingID string        `json:"recordingId"`
		FileSize    int64         `json:"fileSize"`
		StoppedBy   domain.UserID `json:"stoppedBy"`
	}{
		Type:        "recording-stopped",
		RecordingID: res.RecordingID,
		FileSize:    res.FileSize,
		StoppedBy:   p.UserID,
	})
	log.Info().Str("module", "signal").Str("session", string(sess.ID)).
		Str("recording", res.RecordingID).Msg("recording stopped")
}

func (ctl *Controller) handleRecordingStatus(cl *client) {
	sess, _, ok := cl.bound()
	if !ok {
		ctl.sendError(cl.conn, core.ErrParticipantNotFound)
		return
	}
	recording, info := sess.RecordingStatus()
	ctl.sendJSON(cl.conn, struct {
		Type      string                `json:"type"`
		Recording bool                  `json:"recording"`
		Info      *domain.RecordingInfo `json:"info,omitempty"`
	}{
		Type:      "recording-status",
		Recording: recording,
		Info:      info,
	})
}
