package ingest

import (
	"encoding/json"
	"fmt"
)

// Normalizer is a pure function from RawMessage to one Record
// (spec.md §4.2). It is the only component that touches
// SessionState.LastStateByDevice and must be called serially per
// session.
type Normalizer struct {
	InstanceID string
	Session    *SessionState
}

// NewNormalizer builds a Normalizer bound to one session and instance id.
func NewNormalizer(instanceID string, session *SessionState) *Normalizer {
	return &Normalizer{InstanceID: instanceID, Session: session}
}

// rebindSession starts tracking a new subscription session the instant a
// frame from it arrives, discarding the prior session's device-state
// memory. RawMessage.SubscriptionID is stamped by the Connection Manager
// on every frame (spec.md §4.1 step 3), so this is how the normalizer
// learns of a reconnect without the two components sharing a pointer.
func (n *Normalizer) rebindSession(subscriptionID string) {
	if subscriptionID == "" || subscriptionID == n.Session.SubscriptionID {
		return
	}
	n.Session = NewSessionState(subscriptionID)
}

type wireDevice struct {
	ID    *string `json:"id"`
	Label *string `json:"label"`
}

type wireTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type wireFrame struct {
	Device       *wireDevice `json:"device"`
	CurrentState *string     `json:"currentState"`
	Timestamp    *string     `json:"timestamp"`
	Latitude     *float64    `json:"latitude"`
	Longitude    *float64    `json:"longitude"`
	AltitudeM    *float64    `json:"altitude_m"`
	RTKEnabled   *bool       `json:"rtk_enabled"`
	Tags         []wireTag   `json:"tags"`
}

// Normalize maps one RawMessage to a Record, per the seven-step
// algorithm in spec.md §4.2.
func (n *Normalizer) Normalize(raw RawMessage) Record {
	n.rebindSession(raw.SubscriptionID)
	source := Source{InstanceID: n.InstanceID, SubscriptionID: n.Session.SubscriptionID}

	// A graphql-transport-ws "error" frame carries its own diagnostic and
	// skips the normal parse/schema walk entirely (spec.md §4.1 step 4).
	if raw.ServerError != "" {
		return newMalformed(ErrParse, raw.ServerError, raw.Payload, raw.ReceivedAt, source)
	}

	// Step 1: parse bytes as JSON.
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw.Payload, &top); err != nil {
		return newMalformed(ErrParse, err.Error(), raw.Payload, raw.ReceivedAt, source)
	}

	// Step 2: walk to the documented shape. A "device" node present but
	// not an object, or any field present with the wrong JSON type, is a
	// structural mismatch rather than a missing value.
	if rawDevice, ok := top["device"]; ok {
		var probe wireDevice
		if err := json.Unmarshal(rawDevice, &probe); err != nil {
			return newMalformed(ErrSchemaMismatch, fmt.Sprintf("device: %v", err), raw.Payload, raw.ReceivedAt, source)
		}
	}

	var frame wireFrame
	if err := json.Unmarshal(raw.Payload, &frame); err != nil {
		return newMalformed(ErrSchemaMismatch, err.Error(), raw.Payload, raw.ReceivedAt, source)
	}

	// Step 3: extract required fields.
	if frame.Device == nil || frame.Device.ID == nil || *frame.Device.ID == "" {
		return newMalformed(ErrMissingFields, "device.id is required", raw.Payload, raw.ReceivedAt, source)
	}
	if frame.CurrentState == nil || *frame.CurrentState == "" {
		return newMalformed(ErrMissingFields, "currentState is required", raw.Payload, raw.ReceivedAt, source)
	}

	// Step 4: validate currentState against the closed enum.
	currentState := CurrentState(*frame.CurrentState)
	if !knownStates[currentState] {
		return newMalformed(ErrUnknownState, *frame.CurrentState, raw.Payload, raw.ReceivedAt, source)
	}

	deviceID := *frame.Device.ID

	// Step 5: populate previous_state, then update the session map.
	var previousState *CurrentState
	if prev, ok := n.Session.LastStateByDevice[deviceID]; ok {
		p := prev
		previousState = &p
	}
	n.Session.LastStateByDevice[deviceID] = currentState

	// Step 6: copy optional fields, coerce, preserve tag order.
	tags := make([]Tag, 0, len(frame.Tags))
	for _, t := range frame.Tags {
		tags = append(tags, Tag{Key: t.Key, Value: t.Value})
	}

	timestamp := raw.ReceivedAt
	timestampStr := formatTimestamp(timestamp)
	if frame.Timestamp != nil && *frame.Timestamp != "" {
		timestampStr = *frame.Timestamp
	}

	// Step 7: stamp received_at, source.instance_id, source.subscription_id.
	return &StateChangeRecord{
		EventType:     EventStateChange,
		Timestamp:     timestampStr,
		ReceivedAt:    formatTimestamp(raw.ReceivedAt),
		DeviceID:      deviceID,
		DeviceLabel:   frame.Device.Label,
		PreviousState: previousState,
		CurrentState:  currentState,
		Latitude:      frame.Latitude,
		Longitude:     frame.Longitude,
		AltitudeM:     frame.AltitudeM,
		RTKEnabled:    frame.RTKEnabled,
		Tags:          tags,
		SourceInfo:    source,
	}
}
