package recording

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidemeet/media-server/internal/core"
	"github.com/tidemeet/media-server/internal/domain"
	"github.com/tidemeet/media-server/internal/media/mediatest"
)

type fakePipeline struct {
	started  atomic.Bool
	stopped  atomic.Bool
	failErr  error
	done     chan struct{}
	doneOnce sync.Once
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{done: make(chan struct{})}
}

func (p *fakePipeline) Start(ctx context.Context) error {
	p.started.Store(true)
	return nil
}

func (p *fakePipeline) WaitReady(ctx context.Context) error { return nil }

func (p *fakePipeline) Done() <-chan struct{} { return p.done }

func (p *fakePipeline) Err() error { return p.failErr }

func (p *fakePipeline) Stop(grace time.Duration) error {
	p.stopped.Store(true)
	p.doneOnce.Do(func() { close(p.done) })
	return nil
}

// crash simulates the subprocess dying out from under the controller.
func (p *fakePipeline) crash(err error) {
	p.failErr = err
	p.doneOnce.Do(func() { close(p.done) })
}

type ledgerCalls struct {
	mu       sync.Mutex
	starts   int
	stops    int
	fails    int
	fileSize int64
	reason   string
}

func newTestLedgerServer(t *testing.T, calls *ledgerCalls, startStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/recordings/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		calls.mu.Lock()
		calls.starts++
		calls.mu.Unlock()
		if startStatus != http.StatusOK {
			w.WriteHeader(startStatus)
			return
		}
		json.NewEncoder(w).Encode(LedgerRecord{RecordingID: "rec-42", FilePath: "/remote/meeting.webm"})
	})
	mux.HandleFunc("/api/recordings/rec-42/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			FileSize int64 `json:"fileSize"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		calls.mu.Lock()
		calls.stops++
		calls.fileSize = body.FileSize
		calls.mu.Unlock()
	})
	mux.HandleFunc("/api/recordings/rec-42/fail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		calls.mu.Lock()
		calls.fails++
		calls.reason = body.Reason
		calls.mu.Unlock()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, srv *httptest.Server, pipeline *fakePipeline) *Service {
	t.Helper()
	return &Service{
		Ledger:      NewLedger(srv.URL, time.Second),
		Ports:       NewPortPool(50000, 50010),
		NewPipeline: func(sdpPath, outputPath string) Pipeline { return pipeline },
		Opts: Options{
			OutputDir:    t.TempDir(),
			ListenIP:     "127.0.0.1",
			StopTimeout:  time.Second,
			ReadyTimeout: time.Second,
		},
	}
}

func TestControllerStartStopRoundTrip(t *testing.T) {
	calls := &ledgerCalls{}
	srv := newTestLedgerServer(t, calls, http.StatusOK)
	pipeline := newFakePipeline()
	svc := newTestService(t, srv, pipeline)

	router := mediatest.NewRouter()
	video := mediatest.NewProducer(router, domain.MediaVideo)
	audio := mediatest.NewProducer(router, domain.MediaAudio)

	rec := svc.Factory()("s1", "ws1", "u1", router, nil)
	res, err := rec.Start(context.Background(), video, audio)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.RecordingID != "rec-42" {
		t.Errorf("recording id = %q", res.RecordingID)
	}
	if !pipeline.started.Load() {
		t.Error("pipeline not started")
	}

	dir := filepath.Join(svc.Opts.OutputDir, "ws1", "s1")
	sdp, err := os.ReadFile(filepath.Join(dir, "recording.sdp"))
	if err != nil {
		t.Fatalf("sdp not written: %v", err)
	}
	if len(sdp) == 0 {
		t.Error("empty sdp")
	}

	// Stand in for the artifact the pipeline would have produced.
	artifact := filepath.Join(dir, "meeting.webm")
	if err := os.WriteFile(artifact, make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}

	stop, err := rec.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stop.RecordingID != "rec-42" || stop.FileSize != 2048 {
		t.Errorf("stop result = %+v", stop)
	}
	if !pipeline.stopped.Load() {
		t.Error("pipeline not stopped")
	}

	calls.mu.Lock()
	defer calls.mu.Unlock()
	if calls.starts != 1 || calls.stops != 1 || calls.fails != 0 {
		t.Errorf("ledger calls = %+v", calls)
	}
	if calls.fileSize != 2048 {
		t.Errorf("ledger fileSize = %d", calls.fileSize)
	}
}

func TestControllerReleasesPortsOnStop(t *testing.T) {
	calls := &ledgerCalls{}
	srv := newTestLedgerServer(t, calls, http.StatusOK)
	pipeline := newFakePipeline()
	svc := newTestService(t, srv, pipeline)
	svc.Ports = NewPortPool(50000, 50003) // room for exactly two pairs

	router := mediatest.NewRouter()
	video := mediatest.NewProducer(router, domain.MediaVideo)
	audio := mediatest.NewProducer(router, domain.MediaAudio)

	rec := svc.Factory()("s1", "ws1", "u1", router, nil)
	if _, err := rec.Start(context.Background(), video, audio); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Ports.Allocate(); !errors.Is(err, ErrNoPortsAvailable) {
		t.Fatal("expected pool exhausted while recording")
	}
	if _, err := rec.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := svc.Ports.Allocate(); err != nil {
		t.Errorf("ports not released after stop: %v", err)
	}
}

func TestControllerNoMediaSkipsLedger(t *testing.T) {
	calls := &ledgerCalls{}
	srv := newTestLedgerServer(t, calls, http.StatusOK)
	svc := newTestService(t, srv, newFakePipeline())

	rec := svc.Factory()("s1", "ws1", "u1", mediatest.NewRouter(), nil)
	if _, err := rec.Start(context.Background(), nil, nil); !errors.Is(err, core.ErrNoMediaToRecord) {
		t.Fatalf("err = %v, want ErrNoMediaToRecord", err)
	}
	calls.mu.Lock()
	defer calls.mu.Unlock()
	if calls.starts != 0 {
		t.Error("ledger notified despite no media")
	}
}

func TestControllerLedgerRejectionAborts(t *testing.T) {
	calls := &ledgerCalls{}
	srv := newTestLedgerServer(t, calls, http.StatusInternalServerError)
	svc := newTestService(t, srv, newFakePipeline())

	router := mediatest.NewRouter()
	video := mediatest.NewProducer(router, domain.MediaVideo)

	rec := svc.Factory()("s1", "ws1", "u1", router, nil)
	if _, err := rec.Start(context.Background(), video, nil); err == nil {
		t.Fatal("expected error from rejected ledger start")
	}
	// No leases may linger after the aborted start.
	for i := 0; i < 6; i++ {
		if _, err := svc.Ports.Allocate(); err != nil {
			t.Fatalf("pool leaked leases: %v", err)
		}
	}
}

func TestControllerPipelineCrashNotifiesFailure(t *testing.T) {
	calls := &ledgerCalls{}
	srv := newTestLedgerServer(t, calls, http.StatusOK)
	pipeline := newFakePipeline()
	svc := newTestService(t, srv, pipeline)

	router := mediatest.NewRouter()
	video := mediatest.NewProducer(router, domain.MediaVideo)

	failed := make(chan string, 1)
	rec := svc.Factory()("s1", "ws1", "u1", router, func(reason string) { failed <- reason })
	if _, err := rec.Start(context.Background(), video, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	pipeline.crash(errors.New("exit status 1"))

	select {
	case reason := <-failed:
		if reason == "" {
			t.Error("empty failure reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback never fired")
	}

	calls.mu.Lock()
	fails := calls.fails
	calls.mu.Unlock()
	if fails != 1 {
		t.Errorf("ledger fail calls = %d, want 1", fails)
	}
	if _, err := svc.Ports.Allocate(); err != nil {
		t.Errorf("ports not released after crash: %v", err)
	}

	// The controller must refuse a regular stop once failed out.
	if _, err := rec.Stop(context.Background()); !errors.Is(err, core.ErrNotRecording) {
		t.Errorf("stop after crash err = %v, want ErrNotRecording", err)
	}
}
