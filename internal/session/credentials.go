// Package session models the ephemeral credentials that let this client join
// the live media room for one call. Credentials are owned by a single overlay
// instance, never persisted, and discarded when the overlay resets.
package session

import (
	"fmt"
	"strconv"
	"strings"
)

// Credentials is a parsed, validated session grant for one call attendance.
type Credentials struct {
	Token         string
	URL           string
	RoomName      string
	Identity      string
	IsHost        bool
	ParticipantID string
}

// Valid reports whether the required fields survived parsing.
func (c *Credentials) Valid() bool {
	return c != nil && c.Token != "" && c.URL != "" && c.RoomName != "" && c.Identity != ""
}

// ParseError reports which required credential fields were missing or
// uncoercible in a session envelope.
type ParseError struct {
	Missing []string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("session envelope missing fields: %s", strings.Join(e.Missing, ", "))
}

// Accepted key aliases per field. Backends of different vintages spell these
// differently; the envelope is duck-typed, so aliases are enumerated here
// instead of scattering type checks through call sites.
var (
	tokenKeys         = []string{"token", "access_token", "accessToken", "jwt"}
	urlKeys           = []string{"url", "ws_url", "wsUrl", "server_url", "serverUrl"}
	roomKeys          = []string{"room_name", "roomName", "room"}
	identityKeys      = []string{"identity", "participant_identity", "participantIdentity"}
	hostKeys          = []string{"is_host", "isHost", "host"}
	participantIDKeys = []string{"participant_id", "participantId", "sid"}
)

// ParseEnvelope coerces a raw session payload into Credentials.
// Each field is string-coerced from whatever shape the server sent; the
// result is an error (never a partial Credentials) if any of token, url,
// room name or identity is absent after coercion.
func ParseEnvelope(raw map[string]any) (*Credentials, error) {
	c := &Credentials{
		Token:         firstString(raw, tokenKeys),
		URL:           firstString(raw, urlKeys),
		RoomName:      firstString(raw, roomKeys),
		Identity:      firstString(raw, identityKeys),
		IsHost:        firstBool(raw, hostKeys),
		ParticipantID: firstString(raw, participantIDKeys),
	}

	var missing []string
	if c.Token == "" {
		missing = append(missing, "token")
	}
	if c.URL == "" {
		missing = append(missing, "url")
	}
	if c.RoomName == "" {
		missing = append(missing, "room_name")
	}
	if c.Identity == "" {
		missing = append(missing, "identity")
	}
	if len(missing) > 0 {
		return nil, &ParseError{Missing: missing}
	}
	return c, nil
}

// firstString returns the first key in keys whose value coerces to a
// non-empty string.
func firstString(raw map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if s := coerceString(v); s != "" {
			return s
		}
	}
	return ""
}

func firstBool(raw map[string]any, keys []string) bool {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t
		case string:
			b, err := strconv.ParseBool(t)
			if err == nil {
				return b
			}
		case float64:
			return t != 0
		}
	}
	return false
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		// JSON numbers arrive as float64; ids are sometimes numeric.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
