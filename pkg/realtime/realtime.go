// Package realtime defines the client abstraction over the upstream
// realtime AI service.
//
// A Client owns one persistent bidirectional stream for the lifetime of a
// session. Outbound traffic is raw audio chunks and encoded frames; inbound
// traffic is surfaced as a single typed [Event] stream consumed by one
// dispatch loop, rather than callback-per-event-type registration. The
// client is responsible for protocol-level parsing and structural
// validation — a malformed decision payload never reaches the consumer.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotConnected is returned by send methods while the upstream connection
// is down (including during reconnection backoff). Callers treat it as a
// transient drop, not a fatal fault.
var ErrNotConnected = errors.New("realtime: not connected")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("realtime: client closed")

// EventType discriminates the inbound event union.
type EventType string

const (
	// EventConnected fires when the upstream stream is (re)established and
	// the session has been configured.
	EventConnected EventType = "connected"

	// EventDisconnected fires when the upstream stream drops. The client
	// keeps reconnecting with backoff; the consumer must treat any in-flight
	// response as abandoned.
	EventDisconnected EventType = "disconnected"

	// EventResponseStarted marks the beginning of an upstream speech turn.
	EventResponseStarted EventType = "response-started"

	// EventAudioDelta carries one decoded chunk of synthesized speech.
	EventAudioDelta EventType = "audio-delta"

	// EventResponseDone marks the end of an upstream speech turn.
	EventResponseDone EventType = "response-done"

	// EventDecision carries one structurally validated decision payload.
	EventDecision EventType = "decision"

	// EventTranscript carries incremental or final response transcript text.
	EventTranscript EventType = "transcript"
)

// Decision is the structured outcome of one upstream classification,
// extracted from a function-call event. CallID is the idempotency key the
// consumer deduplicates on.
type Decision struct {
	// CallID is the upstream-assigned correlation id.
	CallID string

	// SubjectLabel is the detected item category.
	SubjectLabel string

	// Accepted reports whether the item passed validation.
	Accepted bool

	// RejectionReason is a reason code when Accepted is false
	// (wrong_item, has_cap, has_label, dirty).
	RejectionReason string

	// HasChange reports whether the upstream saw a meaningful change since
	// the previous frame. When false the consumer records silently and
	// performs no side effects.
	HasChange bool

	// Feedback is the free-text message for the user.
	Feedback string

	// Raw is the unparsed arguments payload, retained for the sink backup
	// field.
	Raw json.RawMessage
}

// Event is one inbound occurrence on the upstream stream.
type Event struct {
	Type EventType

	// Audio is set for EventAudioDelta.
	Audio []byte

	// Decision is set for EventDecision.
	Decision *Decision

	// Transcript is set for EventTranscript.
	Transcript string

	// Err is set for EventDisconnected with the cause, when known.
	Err error
}

// ImageMeta describes an outbound frame.
type ImageMeta struct {
	// ContentType is the MIME type of the encoded frame (e.g. "image/jpeg").
	ContentType string

	// Seq is the capture-side monotonic sequence number.
	Seq uint64

	// CapturedAt is the frame's arrival timestamp.
	CapturedAt time.Time
}

// Client is the upstream session client. The consumer drains Events from a
// single goroutine; send methods may be called from any goroutine.
//
// Callers must call Close when the session ends.
type Client interface {
	// SendAudio appends one raw PCM16 chunk to the upstream input buffer.
	// Returns ErrNotConnected while the stream is down.
	SendAudio(chunk []byte) error

	// SendImage submits an encoded frame for classification and requests a
	// decision turn. Returns ErrNotConnected while the stream is down.
	SendImage(data []byte, meta ImageMeta) error

	// AckDecision confirms a decision identified by callID back to the
	// upstream and, when speak is true, requests the spoken-feedback turn.
	AckDecision(callID string, speak bool) error

	// Events returns the inbound event stream. The channel is closed only
	// when the client is closed for good; it survives reconnects.
	Events() <-chan Event

	// Connected reports whether the upstream stream is currently up.
	Connected() bool

	// Close terminates the session and closes the event channel. Safe to
	// call more than once.
	Close() error
}
