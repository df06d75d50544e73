// Package handle encodes backend session handles as opaque, versioned
// strings that survive a gateway restart.
package handle

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	scheme  = "acph"
	version = "v1"

	// Prefix starts every handle produced by Encode.
	Prefix = scheme + ":" + version + ":"
)

var (
	// ErrUnknownVersion is returned for handles from another codec version.
	ErrUnknownVersion = errors.New("unknown handle version")
	// ErrMalformed is returned for handles that cannot be decoded.
	ErrMalformed = errors.New("malformed handle")
)

// State is everything a handle carries.
type State struct {
	Backend          string            `json:"backend"`
	Name             string            `json:"name"`
	Agent            string            `json:"agent,omitempty"`
	Cwd              string            `json:"cwd,omitempty"`
	Mode             string            `json:"mode,omitempty"`
	RuntimeSessionID string            `json:"rid,omitempty"`
	BackendSessionID string            `json:"bid,omitempty"`
	Meta             map[string]string `json:"meta,omitempty"`
}

// Encode returns the opaque form of st.
func Encode(st State) string {
	if len(st.Meta) == 0 {
		st.Meta = nil
	}
	// State holds only strings and cannot fail to marshal.
	data, _ := json.Marshal(st)
	return Prefix + base64.RawURLEncoding.EncodeToString(data)
}

// Parse decodes a handle, reporting why it was rejected.
func Parse(value string) (State, error) {
	value = strings.TrimSpace(value)
	rest, ok := strings.CutPrefix(value, scheme+":")
	if !ok {
		return State{}, ErrMalformed
	}
	ver, payload, ok := strings.Cut(rest, ":")
	if !ok {
		return State{}, ErrMalformed
	}
	if ver != version {
		return State{}, fmt.Errorf("%w: %q", ErrUnknownVersion, ver)
	}

	data, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var st State
	if err := dec.Decode(&st); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return State{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	if st.Backend == "" || st.Name == "" {
		return State{}, fmt.Errorf("%w: missing backend or name", ErrMalformed)
	}
	return st, nil
}

// Decode is Parse without the reason. ok is false for anything Parse rejects.
func Decode(value string) (State, bool) {
	st, err := Parse(value)
	return st, err == nil
}
