// Package ingest implements the normalize → filter → write pipeline
// stages (spec.md §4.2-§4.4): the pure mapping from a raw transport
// frame to a state-change or malformed record, the deterministic
// keep/drop filter, and the crash-safe NDJSON writer.
package ingest

import (
	"strings"
	"time"
)

// EventType distinguishes the two record kinds in the tagged sum
// Record = StateChange | Malformed (spec.md §9 design note).
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventMalformed   EventType = "malformed"
)

// CurrentState is the closed enum validated in normalizer step 4.
type CurrentState string

const (
	StateConnected    CurrentState = "CONNECTED"
	StateDisconnected CurrentState = "DISCONNECTED"
	StateConnecting   CurrentState = "CONNECTING"
	StateReconnecting CurrentState = "RECONNECTING"
	StateError        CurrentState = "ERROR"
	StateUndefined    CurrentState = "UNDEFINED"
)

var knownStates = map[CurrentState]bool{
	StateConnected:    true,
	StateDisconnected: true,
	StateConnecting:   true,
	StateReconnecting: true,
	StateError:        true,
	StateUndefined:    true,
}

// ErrorCode is the closed set of malformed-record diagnostic codes.
type ErrorCode string

const (
	ErrParse          ErrorCode = "parse_error"
	ErrSchemaMismatch ErrorCode = "schema_mismatch"
	ErrMissingFields  ErrorCode = "missing_fields"
	ErrUnknownState   ErrorCode = "unknown_state"
)

// maxRawPayload is the truncation bound for error.raw_payload (spec.md §3).
const maxRawPayload = 4 * 1024

// Tag is an ordered key/value pair, server order preserved.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Source identifies which instance and subscription session produced a record.
type Source struct {
	InstanceID     string `json:"instance_id"`
	SubscriptionID string `json:"subscription_id"`
}

// Record is implemented by StateChangeRecord and MalformedRecord, the
// two members of the normalizer's output sum type.
type Record interface {
	Type() EventType
}

// StateChangeRecord is the canonical success output of the normalizer.
type StateChangeRecord struct {
	EventType     EventType     `json:"event_type"`
	Timestamp     string        `json:"timestamp"`
	ReceivedAt    string        `json:"received_at"`
	DeviceID      string        `json:"device_id"`
	DeviceLabel   *string       `json:"device_label"`
	PreviousState *CurrentState `json:"previous_state"`
	CurrentState  CurrentState  `json:"current_state"`
	Latitude      *float64      `json:"latitude"`
	Longitude     *float64      `json:"longitude"`
	AltitudeM     *float64      `json:"altitude_m"`
	RTKEnabled    *bool         `json:"rtk_enabled"`
	Tags          []Tag         `json:"tags"`
	SourceInfo    Source        `json:"source"`
}

func (r *StateChangeRecord) Type() EventType { return EventStateChange }

// ErrorDetail carries the diagnostic payload of a MalformedRecord.
type ErrorDetail struct {
	Code                ErrorCode `json:"code"`
	Message             string    `json:"message"`
	RawPayload          string    `json:"raw_payload"`
	RawPayloadTruncated bool      `json:"raw_payload_truncated"`
}

// MalformedRecord is emitted whenever a raw frame cannot be turned into
// a well-formed state-change record; it is never dropped.
type MalformedRecord struct {
	EventType  EventType   `json:"event_type"`
	Timestamp  string      `json:"timestamp"`
	ReceivedAt string      `json:"received_at"`
	Error      ErrorDetail `json:"error"`
	SourceInfo Source      `json:"source"`
}

func (r *MalformedRecord) Type() EventType { return EventMalformed }

// newMalformed builds a MalformedRecord with a truncated, UTF-8-repaired
// copy of raw, stamped with receivedAt and source.
func newMalformed(code ErrorCode, message string, raw []byte, receivedAt time.Time, source Source) *MalformedRecord {
	payload, truncated := truncatePayload(raw)
	return &MalformedRecord{
		EventType:  EventMalformed,
		Timestamp:  formatTimestamp(receivedAt),
		ReceivedAt: formatTimestamp(receivedAt),
		Error: ErrorDetail{
			Code:                code,
			Message:             message,
			RawPayload:          payload,
			RawPayloadTruncated: truncated,
		},
		SourceInfo: source,
	}
}

// truncatePayload repairs raw as UTF-8 and truncates it to maxRawPayload
// bytes on a rune boundary.
func truncatePayload(raw []byte) (string, bool) {
	s := strings.ToValidUTF8(string(raw), "�")
	if len(s) <= maxRawPayload {
		return s, false
	}
	truncated := s[:maxRawPayload]
	for len(truncated) > 0 && !isRuneStart(truncated[len(truncated)-1]) {
		truncated = truncated[:len(truncated)-1]
	}
	return truncated, true
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// formatTimestamp renders an instant as millisecond-precision ISO-8601 UTC.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// RawMessage is an opaque chunk of bytes received from the transport,
// tagged with a receive timestamp and the current subscription session.
// ServerError is set instead of Payload holding device data when the
// frame is a graphql-transport-ws "error" frame; the normalizer turns
// it directly into a parse_error malformed record (spec.md §4.1 step 4).
type RawMessage struct {
	Payload        []byte
	ReceivedAt     time.Time
	SubscriptionID string
	ServerError    string
}

// SessionState is in-memory, per-session bookkeeping (spec.md §3). The
// normalizer's instance, and its LastStateByDevice map, must be touched
// only by the normalizer, serially; the Connection Manager keeps a
// separate instance for its own reconnect bookkeeping.
type SessionState struct {
	SubscriptionID     string
	LastStateByDevice  map[string]CurrentState
	ReconnectAttempt   int
	connectedStableAt  time.Time
	hasConnectedStable bool
}

// NewSessionState starts a fresh session for the given subscription id,
// clearing any prior session's device-state memory.
func NewSessionState(subscriptionID string) *SessionState {
	return &SessionState{
		SubscriptionID:    subscriptionID,
		LastStateByDevice: make(map[string]CurrentState),
	}
}

// NoteConnected records the instant a connection became active, the
// basis for the 60s stability window that resets ReconnectAttempt.
func (s *SessionState) NoteConnected(now time.Time) {
	s.connectedStableAt = now
	s.hasConnectedStable = true
}

// MaybeResetReconnectAttempt zeroes ReconnectAttempt once the current
// connection has been stable for at least 60s (spec.md §3).
func (s *SessionState) MaybeResetReconnectAttempt(now time.Time) {
	if s.hasConnectedStable && now.Sub(s.connectedStableAt) >= 60*time.Second {
		s.ReconnectAttempt = 0
	}
}

// OutputFile is the writer's bookkeeping for the file currently being
// appended to.
type OutputFile struct {
	ActivePath   string
	FinalPath    string
	CreatedAt    time.Time
	BytesWritten int64
	EventCount   int
}
