package domain

type (
	ParticipantID string
	UserID        string
)

// Role is a participant's privilege level within a session.
type Role string

const (
	RoleHost        Role = "HOST"
	RoleParticipant Role = "PARTICIPANT"
)

// MediaKind distinguishes the two stream types the engine forwards.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)
