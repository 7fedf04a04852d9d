package core

import "errors"

// Error taxonomy for session orchestration. Signaling handlers map these to
// structured error replies for the originating caller only.
var (
	ErrSessionExists       = errors.New("session already exists")
	ErrSessionNotFound     = errors.New("session not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrTransportNotFound   = errors.New("transport not found")
	ErrProducerNotFound    = errors.New("producer not found")
	ErrConsumerNotFound    = errors.New("consumer not found")
	ErrHostNotFound        = errors.New("no active participant with that user id")
	ErrNotHost             = errors.New("caller is not the host")
	ErrAlreadyRecording    = errors.New("recording already in progress")
	ErrNotRecording        = errors.New("no recording in progress")
	ErrIncompatibleCaps    = errors.New("capabilities cannot consume producer")
	ErrNoMediaToRecord     = errors.New("no media stream to record")
	ErrSessionEnded        = errors.New("session has ended")
)
