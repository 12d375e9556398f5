// Package backend is the REST client for call lifecycle operations.
// It owns the wire shapes and the error-message derivation used by the
// mutation gateway; callers never see raw HTTP details.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/util"
)

// APIError is a non-2xx response from the backend, carrying whatever
// human-readable message the server included.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend: %s (HTTP %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("backend: HTTP %d", e.Status)
}

// ErrorMessage derives a user-facing message from err, preferring the
// server's own error payload over the transport error over fallback.
func ErrorMessage(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return fallback
}

// Client talks to the call backend over HTTP.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// New creates a backend client. baseURL must not end with a slash.
func New(baseURL, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = util.DefaultFetchTimeout
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
	}
}

// StartCallRequest starts an immediate call, or a scheduled one when
// ScheduledAt is set.
type StartCallRequest struct {
	Type           call.Type  `json:"type"`
	InvitedUserIDs []string   `json:"invited_user_ids"`
	Title          string     `json:"title,omitempty"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`
}

// JoinCallRequest carries the caller's declared initial device intent.
// This is what other clients see; the local transport reconciles its own
// capability against it after joining.
type JoinCallRequest struct {
	WithAudio bool `json:"with_audio"`
	WithVideo bool `json:"with_video"`
}

// ParticipantStateUpdate is a partial media-flag update. Nil fields are
// omitted so the server only touches what the client intends to change.
type ParticipantStateUpdate struct {
	IsMuted         *bool `json:"is_muted,omitempty"`
	IsVideoEnabled  *bool `json:"is_video_enabled,omitempty"`
	IsScreenSharing *bool `json:"is_screen_sharing,omitempty"`
	IsHandRaised    *bool `json:"is_hand_raised,omitempty"`
}

// StartCall creates a call record. POST /calls
func (c *Client) StartCall(ctx context.Context, req *StartCallRequest) (*call.Call, error) {
	var out call.Call
	if err := c.do(ctx, http.MethodPost, "/calls", req, &out); err != nil {
		return nil, err
	}
	out.Normalize()
	return &out, nil
}

// GetCall fetches one call record. GET /calls/{id}
func (c *Client) GetCall(ctx context.Context, id string) (*call.Call, error) {
	var out call.Call
	if err := c.do(ctx, http.MethodGet, "/calls/"+id, nil, &out); err != nil {
		return nil, err
	}
	out.Normalize()
	return &out, nil
}

// ListCalls fetches the caller's aggregate call list. GET /calls
func (c *Client) ListCalls(ctx context.Context) ([]*call.Call, error) {
	var out []*call.Call
	if err := c.do(ctx, http.MethodGet, "/calls", nil, &out); err != nil {
		return nil, err
	}
	for _, cl := range out {
		cl.Normalize()
	}
	return out, nil
}

// IssueSession requests session credentials for a call. POST /calls/{id}/session
// The payload is returned raw; the session package owns the tolerant parse.
func (c *Client) IssueSession(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, "/calls/"+id+"/session", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// JoinCall marks the caller joined. POST /calls/{id}/join
func (c *Client) JoinCall(ctx context.Context, id string, req *JoinCallRequest) error {
	return c.do(ctx, http.MethodPost, "/calls/"+id+"/join", req, nil)
}

// LeaveCall marks the caller left. POST /calls/{id}/leave
func (c *Client) LeaveCall(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/calls/"+id+"/leave", nil, nil)
}

// EndCall ends the call for everyone. POST /calls/{id}/end
func (c *Client) EndCall(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/calls/"+id+"/end", nil, nil)
}

// UpdateParticipantState pushes a partial media-flag update for the caller.
// PATCH /calls/{id}/participants/me
func (c *Client) UpdateParticipantState(ctx context.Context, id string, upd *ParticipantStateUpdate) error {
	return c.do(ctx, http.MethodPatch, "/calls/"+id+"/participants/me", upd, nil)
}

// errorBody is the error envelope the backend wraps failures in.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do executes one JSON round-trip. body and out may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb errorBody
		if data, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); rerr == nil {
			if json.Unmarshal(data, &eb) == nil {
				if eb.Message != "" {
					apiErr.Message = eb.Message
				} else {
					apiErr.Message = eb.Error
				}
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
