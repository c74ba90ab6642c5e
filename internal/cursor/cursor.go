// Package cursor implements the opaque pagination token listing
// operations encode into their responses and accept back on the next
// page request. A cursor is a base64url-encoded JSON payload; callers
// must treat it as opaque and round-trip it verbatim.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// DefaultLimit and the clamp bounds for State.Limit.
const (
	DefaultLimit = 35
	MinLimit     = 1
	MaxLimit     = 100
)

// State is the decoded listing state: the cursor's payload, or the seed
// built from caller-supplied options when no cursor was given yet.
type State struct {
	LastKey    string   `json:"lastKey,omitempty"`
	Limit      int      `json:"limit"`
	Query      string   `json:"query,omitempty"`
	Parent     string   `json:"parent,omitempty"`
	Since      int64    `json:"since,omitempty"`
	QueryField []string `json:"queryField,omitempty"`
}

// Options are the caller-supplied listing parameters used to seed a
// fresh State when no cursor is present yet.
type Options struct {
	Limit      int
	Query      string
	Parent     string
	Since      int64
	QueryField []string
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit < MinLimit {
		return MinLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// ReadListState decodes an existing cursor if non-empty, else seeds a
// fresh State from opts. Limit is always clamped to [MinLimit, MaxLimit].
func ReadListState(encoded string, opts Options) (State, error) {
	if encoded == "" {
		return State{
			Limit:      clampLimit(opts.Limit),
			Query:      opts.Query,
			Parent:     opts.Parent,
			Since:      opts.Since,
			QueryField: opts.QueryField,
		}, nil
	}
	st, err := Decode(encoded)
	if err != nil {
		return State{}, err
	}
	st.Limit = clampLimit(st.Limit)
	return st, nil
}

// Encode produces a new cursor from state advanced to lastKey. If
// lastKey is empty (the page that produced it was empty, i.e.
// pagination exhausted), state.LastKey is left untouched, so the
// returned cursor is byte-identical to the cursor that produced state —
// the stable "end of pagination" signal the spec requires.
func Encode(state State, lastKey string) (string, error) {
	next := state
	if lastKey != "" {
		next.LastKey = lastKey
	}
	return encodeState(next)
}

// EncodeCursor is an alias for Encode matching the spec's naming.
func EncodeCursor(state State, lastKey string) (string, error) {
	return Encode(state, lastKey)
}

func encodeState(state State) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("cursor: encode: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// Decode parses an opaque cursor back into its State.
func Decode(encoded string) (State, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return State{}, fmt.Errorf("cursor: decode: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("cursor: decode: %w", err)
	}
	return st, nil
}
