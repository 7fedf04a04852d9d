package signal

import (
	"encoding/json"
	"time"

	"github.com/tidemeet/media-server/internal/domain"
)

func (ctl *Controller) handleTyping(cl *client, data []byte) {
	sess, p, ok := cl.bound()
	if !ok {
		return
	}
	type payload struct {
		Type     string `json:"type"`
		IsTyping bool   `json:"isTyping"`
	}
	var req payload
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	// Ephemeral: nothing persisted, receivers debounce on their side.
	ctl.broadcastOthers(sess, p.ID, struct {
		Type        string `json:"type"`
		PeerID      string `json:"peerId"`
		DisplayName string `json:"displayName"`
		IsTyping    bool   `json:"isTyping"`
	}{
		Type:        "typing",
		PeerID:      string(p.ID),
		DisplayName: p.DisplayName,
		IsTyping:    req.IsTyping,
	})
}

// handleChatMessage echoes to all members, sender included, so message
// order stays consistent across reconnects.
func (ctl *Controller) handleChatMessage(cl *client, data []byte) {
	sess, p, ok := cl.bound()
	if !ok {
		return
	}
	if !ctl.ChatLimiter.Allow(p.UserID, p.ID) {
		ctl.sendJSON(cl.conn, map[string]string{
			"type":    "error",
			"error":   "rate_limited",
			"message": "too many messages",
		})
		return
	}
	type payload struct {
		Type      string `json:"type"`
		Text      string `json:"text"`
		Timestamp int64  `json:"timestamp"`
	}
	var req payload
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	ctl.broadcastAll(sess, struct {
		Type        string `json:"type"`
		PeerID      string `json:"peerId"`
		DisplayName string `json:"displayName"`
		Text        string `json:"text"`
		Timestamp   int64  `json:"timestamp"`
	}{
		Type:        "chat-message",
		PeerID:      string(p.ID),
		DisplayName: p.DisplayName,
		Text:        req.Text,
		Timestamp:   req.Timestamp,
	})
}

func (ctl *Controller) handleFileUploaded(cl *client, data []byte) {
	sess, p, ok := cl.bound()
	if !ok {
		return
	}
	type payload struct {
		Type         string `json:"type"`
		Filename     string `json:"filename"`
		OriginalName string `json:"originalName"`
		Size         int64  `json:"size"`
	}
	var req payload
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	info := domain.FileInfo{
		Filename:     req.Filename,
		OriginalName: req.OriginalName,
		Size:         req.Size,
		UploadedBy:   p.UserID,
		UploadedAt:   time.Now(),
	}
	sess.AddFile(info)
	ctl.broadcastOthers(sess, p.ID, struct {
		Type string          `json:"type"`
		File domain.FileInfo `json:"file"`
	}{
		Type: "file-shared",
		File: info,
	})
}
