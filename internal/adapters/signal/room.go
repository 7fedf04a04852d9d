package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tidemeet/media-server/internal/core"
	"github.com/tidemeet/media-server/internal/domain"
)

func (ctl *Controller) handleJoin(ctx context.Context, cl *client, data []byte, rejoin bool) {
	type joinPayload struct {
		Type        string `json:"type"`
		RoomID      string `json:"roomId"`
		WorkspaceID string `json:"workspaceId"`
		PeerID      string `json:"peerId"`
		DisplayName string `json:"displayName"`
		UserID      string `json:"userId,omitempty"`
		Rejoin      bool   `json:"rejoin,omitempty"`
	}
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" || p.PeerID == "" {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendJSON(cl.conn, map[string]string{"type": "error", "error": "bad_payload", "message": "roomId and peerId are required"})
		return
	}
	rejoin = rejoin || p.Rejoin

	sess := ctl.Registry.GetOrCreate(domain.SessionID(p.RoomID), domain.WorkspaceID(p.WorkspaceID), ctl.Router)
	if sess.Status() == domain.StatusEnded {
		ctl.sendError(cl.conn, core.ErrSessionEnded)
		return
	}
	sess.SetRecordingFailureHook(func(reason string) {
		ctl.broadcastAll(sess, map[string]string{
			"type":   "recording-stopped",
			"reason": reason,
		})
	})

	pid := domain.ParticipantID(p.PeerID)
	userID := domain.UserID(p.UserID)

	var participant *core.Participant
	rejoined := false
	if rejoin && userID != "" {
		if existing, ok := sess.ParticipantByUserID(userID); ok {
			sess.Reactivate(existing, pid, cl.conn)
			participant = existing
			rejoined = true
		}
	}
	if participant == nil {
		participant = core.NewParticipant(pid, userID, p.DisplayName, cl.conn)
		sess.AddParticipant(participant)
	}
	cl.bind(sess, participant)

	// First identified participant in an empty session becomes host.
	sess.SetHostIfUnset(userID)

	roster := make([]core.ParticipantSummary, 0)
	for _, other := range sess.ActiveParticipants() {
		if other.ID != participant.ID {
			roster = append(roster, other.Summary())
		}
	}
	ctl.sendJSON(cl.conn, struct {
		Type   string                    `json:"type"`
		RoomID domain.SessionID          `json:"roomId"`
		HostID domain.UserID             `json:"hostId,omitempty"`
		Peers  []core.ParticipantSummary `json:"peers"`
	}{
		Type:   "room-joined",
		RoomID: sess.ID,
		HostID: sess.HostUserID(),
		Peers:  roster,
	})

	event := "new-peer"
	if rejoined {
		event = "peer-rejoined"
	}
	ctl.broadcastOthers(sess, participant.ID, map[string]string{
		"type":        event,
		"peerId":      string(participant.ID),
		"displayName": participant.DisplayName,
		"userId":      string(participant.UserID),
	})
	log.Info().Str("module", "signal").Str("session", string(sess.ID)).
		Str("pid", string(participant.ID)).Bool("rejoin", rejoined).Msg("joined")

	// Existing producers are replayed once the client reports its receive
	// transport ready (receive-transport-ready), not on a timer.
}

// handleLeave marks the participant inactive without removing it, so a
// rejoin within the grace window keeps role and history.
func (ctl *Controller) handleLeave(cl *client) {
	sess, p, ok := cl.bound()
	if !ok {
		return
	}
	p.MarkLeft()
	ctl.succeedHost(sess, p)
	ctl.broadcastOthers(sess, p.ID, map[string]string{
		"type":   "peer-left",
		"peerId": string(p.ID),
	})
	ctl.scheduleRemoval(sess, p)
	cl.unbind()
	log.Info().Str("module", "signal").Str("session", string(sess.ID)).Str("pid", string(p.ID)).Msg("left room")
}

// handleSocketGone runs when the websocket drops for any reason.
func (ctl *Controller) handleSocketGone(ctx context.Context, cl *client) {
	sess, p, ok := cl.bound()
	if !ok {
		return
	}
	if !p.IsActive() {
		// Already left or kicked; nothing more to announce.
		return
	}
	p.MarkDisconnected()
	ctl.succeedHost(sess, p)
	ctl.broadcastOthers(sess, p.ID, map[string]string{
		"type":   "peer-disconnected",
		"peerId": string(p.ID),
	})
	ctl.scheduleRemoval(sess, p)
	log.Info().Str("module", "signal").Str("session", string(sess.ID)).Str("pid", string(p.ID)).Msg("disconnected")
}

// succeedHost transfers the host role to the first remaining active
// participant, in insertion order, when the host goes inactive.
func (ctl *Controller) succeedHost(sess *core.Session, leaving *core.Participant) {
	if leaving.UserID == "" || sess.HostUserID() != leaving.UserID {
		return
	}
	for _, cand := range sess.ActiveParticipants() {
		if cand.UserID == "" {
			continue
		}
		change, err := sess.TransferHost(cand.UserID)
		if err != nil {
			// The candidate went inactive between the snapshot and the
			// transfer; try the next one.
			log.Warn().Err(err).Str("module", "signal").Str("session", string(sess.ID)).
				Str("candidate", string(cand.UserID)).Msg("host succession candidate gone")
			continue
		}
		ctl.broadcastAll(sess, struct {
			Type string          `json:"type"`
			Data core.HostChange `json:"data"`
		}{Type: "host-changed", Data: change})
		return
	}
}

// scheduleRemoval hard-removes an inactive participant once the grace
// window passes without a rejoin, then garbage-collects the session if it
// went quiet.
func (ctl *Controller) scheduleRemoval(sess *core.Session, p *core.Participant) {
	if sess.ActiveParticipantCount() == 0 {
		// Nobody left to rejoin against except this participant; keep the
		// session around for the same grace window.
		time.AfterFunc(ctl.GracePeriod, func() {
			if ctl.Registry.Delete(sess.ID) {
				log.Info().Str("module", "signal").Str("session", string(sess.ID)).Msg("empty session collected")
			}
		})
	}
	pid := p.ID
	time.AfterFunc(ctl.GracePeriod, func() {
		if p.IsActive() {
			return
		}
		// A rejoin may have re-keyed the participant; only announce when
		// this id actually left the session.
		if !sess.RemoveParticipant(pid) {
			return
		}
		ctl.broadcastAll(sess, map[string]string{
			"type":   "peer-left",
			"peerId": string(pid),
		})
	})
}

// handleEndMeeting is host-only: broadcast, force-disconnect everyone,
// drop the session.
func (ctl *Controller) handleEndMeeting(ctx context.Context, cl *client) {
	sess, p, ok := cl.bound()
	if !ok {
		return
	}
	if p.UserID == "" || sess.HostUserID() != p.UserID {
		ctl.sendError(cl.conn, core.ErrNotHost)
		return
	}

	ctl.broadcastAll(sess, map[string]string{
		"type":   "meeting-ended",
		"hostId": string(p.UserID),
	})
	sess.EndMeeting(ctx)
	ctl.Registry.Delete(sess.ID)
	cl.unbind()
	log.Info().Str("module", "signal").Str("session", string(sess.ID)).Msg("meeting ended by host")
}
