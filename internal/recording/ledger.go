package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tidemeet/media-server/internal/domain"
)

// Ledger is the external system of record for recording metadata. Calls are
// bounded by the client timeout; local media teardown never blocks on them.
type Ledger struct {
	baseURL string
	client  *http.Client
}

func NewLedger(baseURL string, timeout time.Duration) *Ledger {
	return &Ledger{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// LedgerRecord is the ledger's answer to a start notification: the assigned
// recording id and the file path the artifact should be written under.
type LedgerRecord struct {
	RecordingID string `json:"recordingId"`
	FilePath    string `json:"filePath"`
}

func (l *Ledger) Start(ctx context.Context, sessionID domain.SessionID, workspaceID domain.WorkspaceID, recorderID domain.UserID) (LedgerRecord, error) {
	body := map[string]string{
		"roomId":      string(sessionID),
		"workspaceId": string(workspaceID),
		"recorderId":  string(recorderID),
	}
	var rec LedgerRecord
	if err := l.do(ctx, http.MethodPost, l.baseURL+"/api/recordings/start", body, &rec); err != nil {
		return LedgerRecord{}, fmt.Errorf("ledger start: %w", err)
	}
	return rec, nil
}

func (l *Ledger) Stop(ctx context.Context, recordingID string, fileSize int64) error {
	body := map[string]int64{"fileSize": fileSize}
	url := fmt.Sprintf("%s/api/recordings/%s/stop", l.baseURL, recordingID)
	if err := l.do(ctx, http.MethodPut, url, body, nil); err != nil {
		return fmt.Errorf("ledger stop: %w", err)
	}
	return nil
}

func (l *Ledger) Fail(ctx context.Context, recordingID string, reason string) error {
	body := map[string]string{"reason": reason}
	url := fmt.Sprintf("%s/api/recordings/%s/fail", l.baseURL, recordingID)
	if err := l.do(ctx, http.MethodPut, url, body, nil); err != nil {
		return fmt.Errorf("ledger fail: %w", err)
	}
	return nil
}

func (l *Ledger) do(ctx context.Context, method, url string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
