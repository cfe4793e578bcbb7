// Package wire defines the message shapes exchanged between sync clients
// and the server over a persistent connection, and the canonical encoding
// of channel parameters used to key subscriptions on both ends.
package wire

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Client→server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Server→client message types.
const (
	TypeSnapshot = "snapshot"
	TypeDelta    = "delta"
	TypeError    = "error"
)

// Delta operations. A delta describes one incremental change to a
// subscribed view; "replace" carries a full snapshot-equivalent payload
// for cases where an incremental description is impractical.
const (
	OpAdd      = "add"
	OpAddBatch = "add-batch"
	OpModify   = "modify"
	OpDelete   = "delete"
	OpReplace  = "replace"
)

// Params are the channel parameters of a subscription (e.g. agent id and
// window size). They are compared by canonical encoding, never by map
// identity.
type Params map[string]any

// ClientMessage is a subscribe or unsubscribe request.
type ClientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Params  Params `json:"params,omitempty"`
}

// ServerMessage is a snapshot, delta, or error pushed to a client. Channel
// and Params echo the subscription the message belongs to so a client can
// route it without extra bookkeeping.
type ServerMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Params  Params          `json:"params,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Snapshot is the full current state for one subscription, sent once at
// subscribe time and again after every resubscribe.
type Snapshot struct {
	Items   []json.RawMessage `json:"items"`
	HasMore bool              `json:"hasMore,omitempty"`
	Version int64             `json:"version,omitempty"`
}

// Delta is one incremental change. Exactly one of Item, Items, or ItemID
// is set depending on Op; Replace reuses Items/HasMore/Version as a full
// payload. Version is advisory: consumers use it to refresh derived state,
// never to reject deliveries.
type Delta struct {
	Op      string            `json:"op"`
	Item    json.RawMessage   `json:"item,omitempty"`
	Items   []json.RawMessage `json:"items,omitempty"`
	ItemID  string            `json:"itemId,omitempty"`
	HasMore bool              `json:"hasMore,omitempty"`
	Version int64             `json:"version,omitempty"`
}

// Error is the payload of a TypeError message, sent when a subscribe
// request is rejected.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewSnapshotMessage builds a snapshot ServerMessage for a subscription.
func NewSnapshotMessage(channel string, params Params, snap Snapshot) (ServerMessage, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return ServerMessage{}, fmt.Errorf("marshaling snapshot: %w", err)
	}
	return ServerMessage{Type: TypeSnapshot, Channel: channel, Params: params, Data: data}, nil
}

// NewDeltaMessage builds a delta ServerMessage for a subscription.
func NewDeltaMessage(channel string, params Params, delta Delta) (ServerMessage, error) {
	data, err := json.Marshal(delta)
	if err != nil {
		return ServerMessage{}, fmt.Errorf("marshaling delta: %w", err)
	}
	return ServerMessage{Type: TypeDelta, Channel: channel, Params: params, Data: data}, nil
}

// NewErrorMessage builds an error ServerMessage for a rejected request.
func NewErrorMessage(channel string, params Params, code, message string) ServerMessage {
	data, _ := json.Marshal(Error{Code: code, Message: message})
	return ServerMessage{Type: TypeError, Channel: channel, Params: params, Data: data}
}

// CanonicalParams renders params as a stable string: keys sorted at every
// nesting level, values JSON-encoded. Two Params values describe the same
// subscription iff their canonical strings are equal. An empty or nil map
// canonicalizes to "{}".
func CanonicalParams(p Params) string {
	var sb strings.Builder
	writeCanonical(&sb, map[string]any(p))
	return sb.String()
}

// SubscriptionKey is the structured identity of one subscription: channel
// name plus canonical params. Using a typed key (rather than ad-hoc string
// concatenation) keeps lookups on both ends honest.
type SubscriptionKey struct {
	Channel string
	Params  string
}

// Key builds a SubscriptionKey from a channel name and params.
func Key(channel string, params Params) SubscriptionKey {
	return SubscriptionKey{Channel: channel, Params: CanonicalParams(params)}
}

func (k SubscriptionKey) String() string {
	return k.Channel + " " + k.Params
}

func writeCanonical(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			enc, _ := json.Marshal(k)
			sb.Write(enc)
			sb.WriteByte(':')
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')
	case Params:
		writeCanonical(sb, map[string]any(val))
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	case []string:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			enc, _ := json.Marshal(item)
			sb.Write(enc)
		}
		sb.WriteByte(']')
	case json.Number:
		sb.WriteString(val.String())
	case float64:
		// JSON numbers decode as float64; render integers without a
		// fractional part so {"limit":50} keys identically whether the
		// params came off the wire or were built in process.
		if val == float64(int64(val)) {
			fmt.Fprintf(sb, "%d", int64(val))
			return
		}
		enc, _ := json.Marshal(val)
		sb.Write(enc)
	case int:
		fmt.Fprintf(sb, "%d", val)
	case int64:
		fmt.Fprintf(sb, "%d", val)
	default:
		enc, err := json.Marshal(val)
		if err != nil {
			sb.WriteString("null")
			return
		}
		sb.Write(enc)
	}
}

// StringParam reads a string value from params, returning "" when absent
// or of the wrong type.
func (p Params) StringParam(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// IntParam reads an integer value from params, tolerating the float64
// representation JSON decoding produces. Returns def when absent or not
// numeric.
func (p Params) IntParam(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// StringsParam reads a list of strings from params, tolerating the
// []any representation JSON decoding produces. Returns nil when absent.
func (p Params) StringsParam(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
