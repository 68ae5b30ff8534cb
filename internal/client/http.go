package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/support-desk/internal/api"
	"github.com/whisper/support-desk/internal/escalation"
	"github.com/whisper/support-desk/internal/protocol"
	"github.com/whisper/support-desk/internal/ratelimit"
	"github.com/whisper/support-desk/internal/session"
)

// RemoteError is a request the server understood and rejected, from either
// an HTTP error body or a push error frame. It unwraps to the matching
// domain sentinel so callers can use errors.Is.
type RemoteError struct {
	Status  int // HTTP status, 0 for push errors
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var codeErrors = map[string]error{
	protocol.CodeSessionNotFound:   session.ErrSessionNotFound,
	protocol.CodeSessionResolved:   session.ErrSessionResolved,
	protocol.CodeStaleAssignment:   session.ErrStaleAssignment,
	protocol.CodeNotEscalated:      session.ErrNotEscalated,
	protocol.CodeInvalidTransition: session.ErrInvalidTransition,
	protocol.CodeInvalidMessage:    session.ErrInvalidMessage,
	protocol.CodeContactRequired:   escalation.ErrContactRequired,
	protocol.CodeRateLimited:       ratelimit.ErrRateLimited,
}

func (e *RemoteError) Unwrap() error { return codeErrors[e.Code] }

// final reports whether retrying on another transport cannot help.
func (e *RemoteError) final() bool {
	return e.Code != protocol.CodeInternal && (e.Status == 0 || e.Status < 500)
}

// API is a typed client for the support desk HTTP endpoints.
type API struct {
	base   string
	http   *http.Client
	userID string
}

// NewAPI creates an API client for baseURL (for example
// "http://localhost:8080"). userID, when set, is sent as the upstream
// identity header.
func NewAPI(baseURL string, hc *http.Client, userID string) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{base: strings.TrimRight(baseURL, "/"), http: hc, userID: userID}
}

// PollResult is the decoded pull response.
type PollResult = api.PollResponse

// Escalate hands the session over to human support.
func (a *API) Escalate(ctx context.Context, req api.EscalateRequest) (api.EscalateResponse, error) {
	var out api.EscalateResponse
	err := a.do(ctx, http.MethodPost, "/escalate", req, &out)
	return out, err
}

// SendToAdmin posts a user message over HTTP.
func (a *API) SendToAdmin(ctx context.Context, req api.SendRequest) (api.MessageResponse, error) {
	var out api.MessageResponse
	err := a.do(ctx, http.MethodPost, "/send-to-admin", req, &out)
	return out, err
}

// Poll fetches messages after the cursor.
func (a *API) Poll(ctx context.Context, sessionID string, after int64) (PollResult, error) {
	var out PollResult
	path := "/admin-response/" + url.PathEscape(sessionID) + "?after=" + strconv.FormatInt(after, 10)
	err := a.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Heartbeat marks adminID online.
func (a *API) Heartbeat(ctx context.Context, adminID string) error {
	return a.do(ctx, http.MethodPost, "/admin-heartbeat", api.AdminRequest{AdminID: adminID}, nil)
}

// OnlineAdmins lists admins with a fresh heartbeat.
func (a *API) OnlineAdmins(ctx context.Context) ([]string, error) {
	var out struct {
		Admins []string `json:"admins"`
	}
	err := a.do(ctx, http.MethodGet, "/admin/presence", nil, &out)
	return out.Admins, err
}

// Sessions lists sessions for triage, optionally filtered by status.
func (a *API) Sessions(ctx context.Context, statuses ...session.Status) ([]session.Summary, error) {
	q := url.Values{}
	for _, s := range statuses {
		q.Add("status", string(s))
	}
	path := "/admin/chat-sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Sessions []session.Summary `json:"sessions"`
	}
	err := a.do(ctx, http.MethodGet, path, nil, &out)
	return out.Sessions, err
}

// Session fetches a full transcript.
func (a *API) Session(ctx context.Context, sessionID string) (*session.ChatSession, error) {
	var out session.ChatSession
	if err := a.do(ctx, http.MethodGet, "/admin/chat-sessions/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Respond posts an admin reply over HTTP.
func (a *API) Respond(ctx context.Context, sessionID string, req api.RespondRequest) (api.MessageResponse, error) {
	var out api.MessageResponse
	err := a.do(ctx, http.MethodPost, "/admin/chat-sessions/"+url.PathEscape(sessionID)+"/respond", req, &out)
	return out, err
}

// CloseSession resolves a session.
func (a *API) CloseSession(ctx context.Context, sessionID, adminID string) (*session.ChatSession, error) {
	var out session.ChatSession
	if err := a.do(ctx, http.MethodPost, "/admin/chat-sessions/"+url.PathEscape(sessionID)+"/close", api.AdminRequest{AdminID: adminID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: marshal %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.userID != "" {
		req.Header.Set(api.UserIDHeader, a.userID)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var eb api.ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error.Code == "" {
			return &RemoteError{Status: resp.StatusCode, Code: protocol.CodeInternal, Message: resp.Status}
		}
		return &RemoteError{Status: resp.StatusCode, Code: eb.Error.Code, Message: eb.Error.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s response: %w", path, err)
	}
	return nil
}
