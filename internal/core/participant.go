package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tidemeet/media-server/internal/domain"
	"github.com/tidemeet/media-server/internal/media"
)

// SignalConn is the signaling connection owned by a participant. TrySend
// must not block; it reports backpressure as an error.
type SignalConn interface {
	TrySend(data []byte) error
	Close()
}

// ProducerEntry tags an engine producer with its screen-share flag.
type ProducerEntry struct {
	Producer    media.Producer
	ScreenShare bool
}

// ConsumerEntry tags an engine consumer with the remote participant it
// forwards from.
type ConsumerEntry struct {
	Consumer    media.Consumer
	RemotePeer  domain.ParticipantID
	ScreenShare bool
}

// Participant is one connected client's state within a session: identity,
// role, lifecycle timestamps and exclusively-owned media resources.
type Participant struct {
	ID          domain.ParticipantID
	UserID      domain.UserID
	DisplayName string

	mu             sync.Mutex
	role           domain.Role
	joinedAt       time.Time
	rejoinedAt     time.Time
	leftAt         time.Time
	disconnectedAt time.Time
	active         bool
	closed         bool

	conn       SignalConn
	transports map[string]media.WebRTCTransport
	producers  map[string]ProducerEntry
	consumers  map[string]ConsumerEntry
}

func NewParticipant(id domain.ParticipantID, userID domain.UserID, displayName string, conn SignalConn) *Participant {
	return &Participant{
		ID:          id,
		UserID:      userID,
		DisplayName: displayName,
		role:        domain.RoleParticipant,
		joinedAt:    time.Now(),
		active:      true,
		conn:        conn,
		transports:  make(map[string]media.WebRTCTransport),
		producers:   make(map[string]ProducerEntry),
		consumers:   make(map[string]ConsumerEntry),
	}
}

func (p *Participant) Role() domain.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

func (p *Participant) setRole(r domain.Role) {
	p.mu.Lock()
	p.role = r
	p.mu.Unlock()
}

func (p *Participant) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Participant) JoinedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joinedAt
}

func (p *Participant) DisconnectedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnectedAt
}

// MarkDisconnected flags the participant inactive without releasing media
// resources, so a rejoin within the grace window can pick them back up.
func (p *Participant) MarkDisconnected() {
	p.mu.Lock()
	p.active = false
	p.disconnectedAt = time.Now()
	p.mu.Unlock()
}

// MarkLeft mirrors MarkDisconnected for a client-initiated leave.
func (p *Participant) MarkLeft() {
	p.mu.Lock()
	p.active = false
	p.leftAt = time.Now()
	p.mu.Unlock()
}

// Reactivate restores an inactive participant on rejoin, preserving role
// and history. The connection is replaced; the old one is already gone.
func (p *Participant) Reactivate(conn SignalConn) {
	p.mu.Lock()
	p.active = true
	p.rejoinedAt = time.Now()
	p.disconnectedAt = time.Time{}
	p.conn = conn
	p.closed = false
	p.mu.Unlock()
}

func (p *Participant) Conn() SignalConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *Participant) AddTransport(t media.WebRTCTransport) {
	p.mu.Lock()
	p.transports[t.ID()] = t
	p.mu.Unlock()
}

func (p *Participant) Transport(id string) (media.WebRTCTransport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.transports[id]
	return t, ok
}

func (p *Participant) AddProducer(prod media.Producer, screenShare bool) {
	p.mu.Lock()
	p.producers[prod.ID()] = ProducerEntry{Producer: prod, ScreenShare: screenShare}
	p.mu.Unlock()
}

func (p *Participant) Producer(id string) (ProducerEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.producers[id]
	return e, ok
}

func (p *Participant) RemoveProducer(id string) {
	p.mu.Lock()
	delete(p.producers, id)
	p.mu.Unlock()
}

// ProducerByKind returns the first producer matching kind and the
// screen-share tag.
func (p *Participant) ProducerByKind(kind domain.MediaKind, screenShare bool) (media.Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.producers {
		if e.Producer.Kind() == kind && e.ScreenShare == screenShare {
			return e.Producer, true
		}
	}
	return nil, false
}

// ProducerIDs returns the ids of all owned producers.
func (p *Participant) ProducerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.producers))
	for id := range p.producers {
		ids = append(ids, id)
	}
	return ids
}

// Producers snapshots the owned producer entries.
func (p *Participant) Producers() []ProducerEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProducerEntry, 0, len(p.producers))
	for _, e := range p.producers {
		out = append(out, e)
	}
	return out
}

func (p *Participant) AddConsumer(c media.Consumer, remote domain.ParticipantID, screenShare bool) {
	p.mu.Lock()
	p.consumers[c.ID()] = ConsumerEntry{Consumer: c, RemotePeer: remote, ScreenShare: screenShare}
	p.mu.Unlock()
}

func (p *Participant) Consumer(id string) (ConsumerEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.consumers[id]
	return e, ok
}

// Close releases every owned transport (the engine closes dependent
// producers and consumers with them) and terminates the signaling
// connection. Safe to call more than once.
func (p *Participant) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.active = false
	transports := make([]media.WebRTCTransport, 0, len(p.transports))
	for _, t := range p.transports {
		transports = append(transports, t)
	}
	p.transports = make(map[string]media.WebRTCTransport)
	p.producers = make(map[string]ProducerEntry)
	p.consumers = make(map[string]ConsumerEntry)
	conn := p.conn
	p.mu.Unlock()

	for _, t := range transports {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("module", "core.participant").Str("pid", string(p.ID)).Msg("transport close")
		}
	}
	if conn != nil {
		conn.Close()
	}
}

// Summary is the participant's wire representation in rosters.
type ParticipantSummary struct {
	ID          domain.ParticipantID `json:"id"`
	UserID      domain.UserID        `json:"userId,omitempty"`
	DisplayName string               `json:"displayName"`
	Role        domain.Role          `json:"role"`
	Producers   []string             `json:"producers"`
}

func (p *Participant) Summary() ParticipantSummary {
	return ParticipantSummary{
		ID:          p.ID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Role:        p.Role(),
		Producers:   p.ProducerIDs(),
	}
}
