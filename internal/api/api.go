// Package api serves the HTTP side of the support desk: escalation, the
// fallback send and poll endpoints used when the push channel is down,
// admin heartbeats and the admin triage endpoints. Every write goes through
// the same hub operations the push channel uses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/whisper/support-desk/internal/escalation"
	"github.com/whisper/support-desk/internal/hub"
	"github.com/whisper/support-desk/internal/metrics"
	"github.com/whisper/support-desk/internal/protocol"
	"github.com/whisper/support-desk/internal/ratelimit"
	"github.com/whisper/support-desk/internal/session"
)

// UserIDHeader carries the identity established by upstream authentication.
const UserIDHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

// Escalator starts escalations. *escalation.Controller implements it.
type Escalator interface {
	RequestEscalation(ctx context.Context, req escalation.Request) (escalation.Result, error)
}

// PresenceReader lists admins currently online.
type PresenceReader interface {
	Online(ctx context.Context) ([]string, error)
}

// Handler holds the API's collaborators.
type Handler struct {
	hub       *hub.Hub
	escalator Escalator
	store     session.Store
	presence  PresenceReader
	limiter   ratelimit.Checker
}

// NewHandler creates a Handler.
func NewHandler(h *hub.Hub, esc Escalator, store session.Store, presence PresenceReader, limiter ratelimit.Checker) *Handler {
	return &Handler{hub: h, escalator: esc, store: store, presence: presence, limiter: limiter}
}

// Mux is where routes are mounted; *ws.Server and *http.ServeMux satisfy it.
type Mux interface {
	Handle(pattern string, h http.Handler)
}

// Register mounts every route on mux.
func (a *Handler) Register(mux Mux) {
	mux.Handle("POST /escalate", http.HandlerFunc(a.escalate))
	mux.Handle("POST /send-to-admin", http.HandlerFunc(a.sendToAdmin))
	mux.Handle("GET /admin-response/{sessionId}", http.HandlerFunc(a.adminResponse))
	mux.Handle("POST /admin-heartbeat", http.HandlerFunc(a.heartbeat))
	mux.Handle("GET /admin/presence", http.HandlerFunc(a.onlineAdmins))
	mux.Handle("GET /admin/chat-sessions", http.HandlerFunc(a.listSessions))
	mux.Handle("GET /admin/chat-sessions/{sessionId}", http.HandlerFunc(a.transcript))
	mux.Handle("POST /admin/chat-sessions/{sessionId}/respond", http.HandlerFunc(a.respond))
	mux.Handle("POST /admin/chat-sessions/{sessionId}/close", http.HandlerFunc(a.closeSession))
}

// Routes returns a standalone mux with every route registered.
func (a *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	a.Register(mux)
	return mux
}

// EscalateRequest is the body of POST /escalate.
type EscalateRequest struct {
	SessionID       string            `json:"sessionId"`
	UserEmail       string            `json:"userEmail,omitempty"`
	Messages        []session.Message `json:"messages"`
	AdminOnlineHint *bool             `json:"adminOnlineHint,omitempty"`
}

// EscalateResponse is the reply to POST /escalate.
type EscalateResponse struct {
	SessionID         string         `json:"sessionId"`
	Status            session.Status `json:"status"`
	EscalationMessage string         `json:"escalationMessage"`
	AdminsOnline      bool           `json:"adminsOnline"`
}

func (a *Handler) escalate(w http.ResponseWriter, r *http.Request) {
	var req EscalateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, fmt.Errorf("%w: sessionId is required", session.ErrInvalidMessage))
		return
	}
	if !a.allow(r.Context(), req.SessionID, ratelimit.RuleEscalate) {
		a.setRetryAfter(r.Context(), w, req.SessionID, ratelimit.RuleEscalate)
		writeError(w, ratelimit.ErrRateLimited)
		return
	}

	res, err := a.escalator.RequestEscalation(r.Context(), escalation.Request{
		SessionID:       req.SessionID,
		Identity:        session.Identity{UserID: r.Header.Get(UserIDHeader), Email: req.UserEmail},
		RecentMessages:  req.Messages,
		AdminOnlineHint: req.AdminOnlineHint,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, EscalateResponse{
		SessionID:         res.Session.ID,
		Status:            res.Session.Status,
		EscalationMessage: res.Notice.Text,
		AdminsOnline:      res.AdminsOnline,
	})
}

// SendRequest is the body of POST /send-to-admin.
type SendRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	UserEmail string `json:"userEmail,omitempty"`
	ID        string `json:"id,omitempty"`
}

// MessageResponse wraps a stored message.
type MessageResponse struct {
	Message session.Message `json:"message"`
	Status  session.Status  `json:"status"`
}

func (a *Handler) sendToAdmin(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	stored, cs, err := a.hub.PostUserMessage(r.Context(), hub.Post{
		SessionID: req.SessionID,
		Text:      req.Message,
		ID:        req.ID,
		UserEmail: req.UserEmail,
	}, hub.PathHTTP)
	if err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			a.setRetryAfter(r.Context(), w, req.SessionID, ratelimit.RuleUserMessage)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, MessageResponse{Message: stored, Status: cs.Status})
}

// PollResponse is the reply to GET /admin-response/{sessionId}.
type PollResponse struct {
	HasNewMessages bool              `json:"hasNewMessages"`
	Messages       []session.Message `json:"messages"`
	Status         session.Status    `json:"status"`
	LastSeq        int64             `json:"lastSeq"`
}

// adminResponse is the pull path. The cursor is ?after=<seq>; ?since=
// (RFC 3339) additionally filters by timestamp for callers that only track
// time.
func (a *Handler) adminResponse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var after int64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, badRequest("after must be a non-negative integer"))
			return
		}
		after = n
	}
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, badRequest("since must be an RFC 3339 timestamp"))
			return
		}
		since = t
	}

	res, err := a.hub.Poll(r.Context(), r.PathValue("sessionId"), after, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PollResponse{
		HasNewMessages: res.HasNew(),
		Messages:       res.Messages,
		Status:         res.Status,
		LastSeq:        res.LastSeq,
	})
}

// AdminRequest carries the acting admin for heartbeat and close.
type AdminRequest struct {
	AdminID string `json:"adminId"`
}

func (a *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AdminID == "" {
		writeError(w, badRequest("adminId is required"))
		return
	}
	a.hub.Heartbeat(req.AdminID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *Handler) onlineAdmins(w http.ResponseWriter, r *http.Request) {
	ids, err := a.presence.Online(r.Context())
	if err != nil {
		writeError(w, fmt.Errorf("api: presence: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"admins": ids, "anyOnline": len(ids) > 0})
}

func (a *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	var statuses []session.Status
	for _, v := range r.URL.Query()["status"] {
		s := session.Status(v)
		if !s.Valid() {
			writeError(w, badRequest(fmt.Sprintf("unknown status %q", v)))
			return
		}
		statuses = append(statuses, s)
	}

	list, err := a.store.List(r.Context(), statuses...)
	if err != nil {
		writeError(w, fmt.Errorf("api: list sessions: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (a *Handler) transcript(w http.ResponseWriter, r *http.Request) {
	cs, err := a.hub.Snapshot(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

// RespondRequest is the body of POST /admin/chat-sessions/{id}/respond.
type RespondRequest struct {
	Message string `json:"message"`
	AdminID string `json:"adminId"`
	ID      string `json:"id,omitempty"`
}

func (a *Handler) respond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if !decodeBody(w, r, &req) {
		return
	}
	stored, cs, err := a.hub.PostAdminMessage(r.Context(), hub.Post{
		SessionID: r.PathValue("sessionId"),
		AdminID:   req.AdminID,
		Text:      req.Message,
		ID:        req.ID,
	}, hub.PathHTTP)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: stored, Status: cs.Status})
}

func (a *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AdminID == "" {
		writeError(w, badRequest("adminId is required"))
		return
	}
	cs, err := a.hub.CloseSession(r.Context(), r.PathValue("sessionId"), req.AdminID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (a *Handler) allow(ctx context.Context, id string, rule ratelimit.Rule) bool {
	ok, _ := a.limiter.Allow(ctx, id, rule)
	if !ok {
		metrics.RateLimitedTotal.Inc()
	}
	return ok
}

// setRetryAfter tells a rate-limited caller, in whole seconds, when its
// window resets.
func (a *Handler) setRetryAfter(ctx context.Context, w http.ResponseWriter, id string, rule ratelimit.Rule) {
	wr, ok := a.limiter.(ratelimit.WindowReporter)
	if !ok {
		return
	}
	wait, err := wr.RetryAfter(ctx, id, rule)
	if err != nil || wait <= 0 {
		return
	}
	secs := int((wait + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// ---------------------------------------------------------------------------
// Encoding helpers
// ---------------------------------------------------------------------------

var errBadRequest = errors.New("bad request")

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", errBadRequest, msg)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error protocol.Error `json:"error"`
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, session.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, escalation.ErrContactRequired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrSessionResolved),
		errors.Is(err, session.ErrStaleAssignment),
		errors.Is(err, session.ErrNotEscalated),
		errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	body := protocol.ErrorFrom(err)
	switch {
	case errors.Is(err, errBadRequest):
		body = protocol.Error{Code: protocol.CodeBadRequest, Message: err.Error()}
	case errors.Is(err, escalation.ErrContactRequired):
		body = protocol.Error{Code: protocol.CodeContactRequired, Message: err.Error()}
	}
	if status == http.StatusInternalServerError {
		log.Printf("[api] internal error: %v", err)
	}
	writeJSON(w, status, ErrorBody{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, badRequest("invalid JSON body"))
		return false
	}
	return true
}
