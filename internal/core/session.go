package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tidemeet/media-server/internal/domain"
	"github.com/tidemeet/media-server/internal/media"
)

// Recorder drives one recording window. Implemented by the recording
// controller; faked in tests.
type Recorder interface {
	Start(ctx context.Context, video, audio media.Producer) (RecordingStart, error)
	Stop(ctx context.Context) (RecordingStop, error)
}

type RecordingStart struct {
	RecordingID string `json:"recordingId"`
}

type RecordingStop struct {
	RecordingID string `json:"recordingId"`
	FileSize    int64  `json:"fileSize"`
}

// RecorderFactory builds a fresh Recorder for one recording window. The
// session's router is where the forwarding transports live; onFailure is
// invoked if the pipeline dies while recording.
type RecorderFactory func(sessionID domain.SessionID, workspaceID domain.WorkspaceID, recorderID domain.UserID, router media.Router, onFailure func(reason string)) Recorder

// Session is a single meeting's authoritative server-side state. All
// read-modify-write sequences on membership, host assignment and recording
// state are critical sections under mu.
type Session struct {
	ID          domain.SessionID
	WorkspaceID domain.WorkspaceID
	CreatedAt   time.Time

	router      media.Router
	newRecorder RecorderFactory

	mu            sync.Mutex
	status        domain.Status
	hostUserID    domain.UserID
	startTime     time.Time
	endTime       time.Time
	order         []domain.ParticipantID
	participants  map[domain.ParticipantID]*Participant
	recording     bool
	recordingInfo *domain.RecordingInfo
	recorder      Recorder
	files         []domain.FileInfo

	onRecordingFailure func(reason string)
}

// SetRecordingFailureHook registers the callback invoked after recording
// state has been cleared following an unexpected pipeline failure.
func (s *Session) SetRecordingFailureHook(f func(reason string)) {
	s.mu.Lock()
	s.onRecordingFailure = f
	s.mu.Unlock()
}

func NewSession(id domain.SessionID, workspaceID domain.WorkspaceID, router media.Router, factory RecorderFactory) *Session {
	return &Session{
		ID:           id,
		WorkspaceID:  workspaceID,
		CreatedAt:    time.Now(),
		router:       router,
		newRecorder:  factory,
		status:       domain.StatusWaiting,
		participants: make(map[domain.ParticipantID]*Participant),
	}
}

func (s *Session) Router() media.Router { return s.router }

func (s *Session) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) HostUserID() domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostUserID
}

// SetHost assigns the host and moves a waiting session in progress. Not
// idempotent: a second call overwrites.
func (s *Session) SetHost(userID domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setHostLocked(userID)
}

// SetHostIfUnset assigns the host only when none is set yet. Check and
// assignment are one critical section, so concurrent first joins cannot
// both win.
func (s *Session) SetHostIfUnset(userID domain.UserID) bool {
	if userID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hostUserID != "" {
		return false
	}
	s.setHostLocked(userID)
	return true
}

func (s *Session) setHostLocked(userID domain.UserID) {
	s.hostUserID = userID
	if s.status == domain.StatusWaiting {
		s.status = domain.StatusInProgress
		s.startTime = time.Now()
	}
	for _, p := range s.participants {
		if p.UserID == userID {
			p.setRole(domain.RoleHost)
		} else if p.Role() == domain.RoleHost {
			p.setRole(domain.RoleParticipant)
		}
	}
	log.Info().Str("module", "core.session").Str("session", string(s.ID)).Str("host", string(userID)).Msg("host assigned")
}

// HostChange reports the outcome of a host transfer.
type HostChange struct {
	OldHostID domain.UserID `json:"oldHostId"`
	NewHostID domain.UserID `json:"newHostId"`
}

// TransferHost atomically moves the host role to an active participant
// identified by user id.
func (s *Session) TransferHost(newHostUserID domain.UserID) (HostChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *Participant
	for _, pid := range s.order {
		p := s.participants[pid]
		if p.UserID == newHostUserID && p.IsActive() {
			target = p
			break
		}
	}
	if target == nil {
		return HostChange{}, ErrHostNotFound
	}

	change := HostChange{OldHostID: s.hostUserID, NewHostID: newHostUserID}
	for _, p := range s.participants {
		if p.Role() == domain.RoleHost {
			p.setRole(domain.RoleParticipant)
		}
	}
	target.setRole(domain.RoleHost)
	s.hostUserID = newHostUserID
	log.Info().Str("module", "core.session").Str("session", string(s.ID)).
		Str("old", string(change.OldHostID)).Str("new", string(change.NewHostID)).Msg("host transferred")
	return change, nil
}

func (s *Session) AddParticipant(p *Participant) {
	s.mu.Lock()
	if _, ok := s.participants[p.ID]; !ok {
		s.order = append(s.order, p.ID)
	}
	s.participants[p.ID] = p
	s.mu.Unlock()
	log.Info().Str("module", "core.session").Str("session", string(s.ID)).Str("pid", string(p.ID)).Msg("participant added")
}

// RemoveParticipant releases the participant's media resources and drops it
// from the membership map. Reports whether anything was removed; the id may
// already be gone or re-keyed by a rejoin.
func (s *Session) RemoveParticipant(id domain.ParticipantID) bool {
	s.mu.Lock()
	p, ok := s.participants[id]
	if ok {
		delete(s.participants, id)
		for i, pid := range s.order {
			if pid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	p.Close()
	log.Info().Str("module", "core.session").Str("session", string(s.ID)).Str("pid", string(id)).Msg("participant removed")
	return true
}

func (s *Session) Participant(id domain.ParticipantID) (*Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	return p, ok
}

// ParticipantByUserID finds a participant, active or not, by stable user
// identity. Used for rejoin.
func (s *Session) ParticipantByUserID(userID domain.UserID) (*Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range s.order {
		if p := s.participants[pid]; p.UserID == userID {
			return p, true
		}
	}
	return nil, false
}

// Reactivate re-keys an inactive participant under its new per-connection
// id and restores it, preserving role and history.
func (s *Session) Reactivate(p *Participant, newID domain.ParticipantID, conn SignalConn) {
	s.mu.Lock()
	delete(s.participants, p.ID)
	for i, pid := range s.order {
		if pid == p.ID {
			s.order[i] = newID
			break
		}
	}
	p.ID = newID
	s.participants[newID] = p
	s.mu.Unlock()
	p.Reactivate(conn)
}

// Participants snapshots membership in insertion order.
func (s *Session) Participants() []*Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Participant, 0, len(s.order))
	for _, pid := range s.order {
		out = append(out, s.participants[pid])
	}
	return out
}

// ActiveParticipants snapshots active membership in insertion order.
func (s *Session) ActiveParticipants() []*Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Participant, 0, len(s.order))
	for _, pid := range s.order {
		if p := s.participants[pid]; p.IsActive() {
			out = append(out, p)
		}
	}
	return out
}

func (s *Session) ActiveParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.participants {
		if p.IsActive() {
			n++
		}
	}
	return n
}

func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// FindProducer scans active participants in insertion order and returns the
// first producer matching kind and the screen-share tag. First-found
// selection is the recorded-feed policy at meeting scale.
func (s *Session) FindProducer(kind domain.MediaKind, screenShare bool) (media.Producer, bool) {
	for _, p := range s.ActiveParticipants() {
		if prod, ok := p.ProducerByKind(kind, screenShare); ok {
			return prod, true
		}
	}
	return nil, false
}

// FindProducerByID locates a producer anywhere in the session.
func (s *Session) FindProducerByID(producerID string) (media.Producer, *Participant, bool) {
	for _, p := range s.Participants() {
		if e, ok := p.Producer(producerID); ok {
			return e.Producer, p, true
		}
	}
	return nil, nil, false
}

func (s *Session) AddFile(f domain.FileInfo) {
	s.mu.Lock()
	s.files = append(s.files, f)
	s.mu.Unlock()
}

func (s *Session) Files() []domain.FileInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.FileInfo, len(s.files))
	copy(out, s.files)
	return out
}

func (s *Session) RecordingStatus() (bool, *domain.RecordingInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording, s.recordingInfo
}

// StartRecording selects the recorded feed (first-found video and audio
// producers) and hands it to a fresh recorder. The recording slot is
// reserved before the engine calls suspend, so a concurrent start observes
// AlreadyRecording instead of racing.
func (s *Session) StartRecording(ctx context.Context, initiator domain.UserID) (RecordingStart, error) {
	s.mu.Lock()
	if s.status == domain.StatusEnded {
		s.mu.Unlock()
		return RecordingStart{}, ErrSessionEnded
	}
	if s.recording {
		s.mu.Unlock()
		return RecordingStart{}, ErrAlreadyRecording
	}
	s.recording = true
	s.mu.Unlock()

	video, _ := s.FindProducer(domain.MediaVideo, false)
	audio, _ := s.FindProducer(domain.MediaAudio, false)
	if video == nil && audio == nil {
		s.clearRecording()
		return RecordingStart{}, ErrNoMediaToRecord
	}

	rec := s.newRecorder(s.ID, s.WorkspaceID, initiator, s.router, func(reason string) {
		s.clearRecording()
		s.mu.Lock()
		hook := s.onRecordingFailure
		s.mu.Unlock()
		if hook != nil {
			hook(reason)
		}
	})

	res, err := rec.Start(ctx, video, audio)
	if err != nil {
		s.clearRecording()
		return RecordingStart{}, err
	}

	s.mu.Lock()
	s.recorder = rec
	s.recordingInfo = &domain.RecordingInfo{
		RecordingID:    res.RecordingID,
		StartedAt:      time.Now(),
		RecorderUserID: initiator,
	}
	s.mu.Unlock()
	return res, nil
}

func (s *Session) StopRecording(ctx context.Context) (RecordingStop, error) {
	s.mu.Lock()
	if !s.recording || s.recorder == nil {
		s.mu.Unlock()
		return RecordingStop{}, ErrNotRecording
	}
	rec := s.recorder
	s.mu.Unlock()

	res, err := rec.Stop(ctx)
	s.clearRecording()
	if err != nil {
		return RecordingStop{}, err
	}
	return res, nil
}

func (s *Session) clearRecording() {
	s.mu.Lock()
	s.recording = false
	s.recorder = nil
	s.recordingInfo = nil
	s.mu.Unlock()
}

// EndMeeting stops any active recording (best effort), marks the session
// ended and force-closes every participant. The closed participants are
// returned so the gateway can drop its connection bindings.
func (s *Session) EndMeeting(ctx context.Context) []*Participant {
	if _, err := s.StopRecording(ctx); err != nil && err != ErrNotRecording {
		log.Warn().Err(err).Str("module", "core.session").Str("session", string(s.ID)).Msg("stop recording on end")
	}

	s.mu.Lock()
	s.status = domain.StatusEnded
	s.endTime = time.Now()
	parts := make([]*Participant, 0, len(s.order))
	for _, pid := range s.order {
		parts = append(parts, s.participants[pid])
	}
	s.participants = make(map[domain.ParticipantID]*Participant)
	s.order = nil
	s.mu.Unlock()

	for _, p := range parts {
		p.Close()
	}
	log.Info().Str("module", "core.session").Str("session", string(s.ID)).Msg("meeting ended")
	return parts
}

// Summary is the session's wire representation for the REST surface.
type SessionSummary struct {
	ID          domain.SessionID     `json:"id"`
	WorkspaceID domain.WorkspaceID   `json:"workspaceId"`
	Status      domain.Status        `json:"status"`
	HostUserID  domain.UserID        `json:"hostUserId,omitempty"`
	Recording   bool                 `json:"recording"`
	CreatedAt   time.Time            `json:"createdAt"`
	Peers       []ParticipantSummary `json:"peers"`
}

func (s *Session) Summary() SessionSummary {
	s.mu.Lock()
	status := s.status
	host := s.hostUserID
	recording := s.recording
	created := s.CreatedAt
	order := make([]domain.ParticipantID, len(s.order))
	copy(order, s.order)
	parts := make(map[domain.ParticipantID]*Participant, len(s.participants))
	for k, v := range s.participants {
		parts[k] = v
	}
	s.mu.Unlock()

	peers := make([]ParticipantSummary, 0, len(order))
	for _, pid := range order {
		peers = append(peers, parts[pid].Summary())
	}
	return SessionSummary{
		ID:          s.ID,
		WorkspaceID: s.WorkspaceID,
		Status:      status,
		HostUserID:  host,
		Recording:   recording,
		CreatedAt:   created,
		Peers:       peers,
	}
}
