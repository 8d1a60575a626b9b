// Package contracts defines the shared data contract between the publisher,
// the actuator and the website: the canonical desired-state payload and the
// key/stream naming every party must agree on.
package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// HeartbeatTTLSec is the TTL on the per-room online key so monitoring can
// detect offline actuators.
const HeartbeatTTLSec = 10

// StreamTrimLen bounds command/state streams. Trimming is approximate
// (`MAXLEN ~`); consumers must not assume an exact retention count.
const StreamTrimLen = 200

const (
	ModeOn  = "on"
	ModeOff = "off"
)

// MaxBrightness is the top of the brightness contract range.
const MaxBrightness uint8 = 100

// ErrDecode marks payloads that cannot be accepted as a desired state:
// unparseable JSON or a mode outside {on, off}.
var ErrDecode = errors.New("contracts: invalid desired payload")

// Desired is the canonical target light output for one room. Ver orders
// competing writers without a distributed lock and never decreases once
// observed. Mode "off" drives physical output to zero regardless of
// Brightness.
type Desired struct {
	Mode       string `json:"mode"`
	Brightness uint8  `json:"brightness"`
	Ver        uint32 `json:"ver"`
}

// Equal reports whether two desired states match exactly. Used to suppress
// redundant publishes.
func (d Desired) Equal(other Desired) bool {
	return d.Mode == other.Mode && d.Brightness == other.Brightness && d.Ver == other.Ver
}

// On reports whether the state asks for any light output.
func (d Desired) On() bool {
	return d.Mode == ModeOn && d.Brightness > 0
}

// clampBrightness constrains brightness to the 0..100 contract range.
func clampBrightness(v int64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > int64(MaxBrightness):
		return MaxBrightness
	default:
		return uint8(v)
	}
}

// desiredWire mirrors the JSON document. Brightness and Ver are pointers so
// absent fields merge onto the prior value instead of zeroing it.
type desiredWire struct {
	Mode       *string `json:"mode"`
	Brightness *int64  `json:"brightness"`
	Ver        *uint32 `json:"ver"`
	Room       string  `json:"room,omitempty"`
}

// DecodeDesired parses a JSON payload on top of a prior state. The mode
// field must be exactly "on" or "off" - unknown modes are a hard failure,
// never defaulted. Brightness and ver fall back to the prior value when
// absent; brightness is clamped post-parse.
func DecodeDesired(payload string, prior Desired) (Desired, error) {
	var wire desiredWire
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return Desired{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if wire.Mode == nil {
		return Desired{}, fmt.Errorf("%w: missing mode", ErrDecode)
	}
	if *wire.Mode != ModeOn && *wire.Mode != ModeOff {
		return Desired{}, fmt.Errorf("%w: mode %q", ErrDecode, *wire.Mode)
	}

	out := prior
	out.Mode = *wire.Mode
	if wire.Brightness != nil {
		out.Brightness = clampBrightness(*wire.Brightness)
	} else {
		out.Brightness = clampBrightness(int64(out.Brightness))
	}
	if wire.Ver != nil {
		out.Ver = *wire.Ver
	}
	return out, nil
}

// EncodeDesired serializes a desired state, annotating the room id when one
// is available. The website relies on the room field for display, so it is
// emitted whenever a room context exists.
func EncodeDesired(d Desired, roomID string) (string, error) {
	doc := struct {
		Mode       string `json:"mode"`
		Brightness uint8  `json:"brightness"`
		Ver        uint32 `json:"ver"`
		Room       string `json:"room,omitempty"`
	}{
		Mode:       d.Mode,
		Brightness: d.Brightness,
		Ver:        d.Ver,
		Room:       roomID,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SanitizePayload repairs the damage observed on stream payloads that were
// hand-edited through web consoles: surrounding whitespace, smart quotes
// pasted instead of ASCII ones, stray wrapping quotes, and leading or
// trailing junk around the JSON object.
func SanitizePayload(payload string) string {
	payload = strings.TrimSpace(payload)
	payload = replaceSmartQuotes(payload)

	for len(payload) >= 2 && payload[0] == '"' && payload[len(payload)-1] == '"' {
		payload = payload[1 : len(payload)-1]
	}

	start := strings.IndexByte(payload, '{')
	end := strings.LastIndexByte(payload, '}')
	if start >= 0 && end > start {
		payload = payload[start : end+1]
	}
	return payload
}

// replaceSmartQuotes maps the UTF-8 curly double/single quotes to '"'.
func replaceSmartQuotes(s string) string {
	replacer := strings.NewReplacer(
		"“", `"`,
		"”", `"`,
		"‘", `"`,
		"’", `"`,
	)
	return replacer.Replace(s)
}

// KeyDesired returns the desired-state snapshot key for a room.
func KeyDesired(roomID string) string { return "room:" + roomID + ":desired" }

// KeyReported returns the reported-state mirror key for a room.
func KeyReported(roomID string) string { return "room:" + roomID + ":reported" }

// KeyOnline returns the actuator heartbeat key for a room.
func KeyOnline(roomID string) string { return "room:" + roomID + ":online" }

// KeyCfg returns the room configuration key (owned by the website).
func KeyCfg(roomID string) string { return "room:" + roomID + ":cfg" }

// KeyOverride returns the room override document key (owned by the website).
func KeyOverride(roomID string) string { return "room:" + roomID + ":override" }

// KeyLatestWarning returns the room warning key (owned by the website).
func KeyLatestWarning(roomID string) string { return "room:" + roomID + ":latest_warning" }

// KeyDeviceRoom returns the provisioning lookup key, owned entirely by the
// server-side script.
func KeyDeviceRoom(deviceID string) string { return "device:" + deviceID + ":room" }

// StreamCmd returns the command stream the publisher appends to.
func StreamCmd(roomID string) string { return "cmd:room:" + roomID }

// StreamState returns the acknowledgment stream the actuator appends to.
func StreamState(roomID string) string { return "state:room:" + roomID }
