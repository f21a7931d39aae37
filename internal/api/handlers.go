package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fenilsonani/mailbox-gateway/internal/crypto"
	"github.com/fenilsonani/mailbox-gateway/internal/logging"
	gwmail "github.com/fenilsonani/mailbox-gateway/internal/mail"
	"github.com/fenilsonani/mailbox-gateway/internal/push"
	"github.com/fenilsonani/mailbox-gateway/internal/store"
	"github.com/fenilsonani/mailbox-gateway/internal/validation"
)

type createAccountRequest struct {
	TenantID       string                `json:"tenantId"`
	Label          string                `json:"label,omitempty"`
	PrimaryEmail   string                `json:"primaryEmail"`
	IMAP           gwmail.ServerSettings `json:"imap"`
	SMTP           gwmail.ServerSettings `json:"smtp"`
	TestConnection bool                  `json:"testConnection,omitempty"`
}

type sendRequest = gwmail.OutgoingMessage

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	ctx := logging.WithTenantID(r.Context(), req.TenantID)
	secret := gwmail.Secret{
		Label:        req.Label,
		PrimaryEmail: req.PrimaryEmail,
		IMAP:         req.IMAP,
		SMTP:         req.SMTP,
	}

	id, err := s.accounts.Create(ctx, req.TenantID, secret, req.TestConnection)
	if err != nil {
		s.writeMappedError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"accountId": id})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	ctx := logging.WithTenantID(r.Context(), tenantID)

	accounts, err := s.accounts.List(ctx, tenantID)
	if err != nil {
		s.writeMappedError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logging.WithAccountID(r.Context(), id)
	includePasswords := r.URL.Query().Get("includePasswords") == "true"

	detail, err := s.accounts.Get(ctx, id, includePasswords)
	if err != nil {
		s.writeMappedError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logging.WithAccountID(r.Context(), id)

	var secret gwmail.Secret
	if err := json.NewDecoder(r.Body).Decode(&secret); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	if err := s.accounts.Update(ctx, id, secret); err != nil {
		s.writeMappedError(ctx, w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logging.WithAccountID(r.Context(), id)

	if err := s.accounts.Delete(ctx, id); err != nil {
		s.writeMappedError(ctx, w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleTestAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logging.WithAccountID(r.Context(), id)

	secret, err := s.accounts.GetSecret(ctx, id)
	if err != nil {
		s.writeMappedError(ctx, w, err)
		return
	}
	if err := s.sender.Verify(ctx, secret); err != nil {
		s.writeMappedError(ctx, w, err)
		return
	}
	if err := s.reader.Verify(ctx, secret); err != nil {
		s.writeMappedError(ctx, w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logging.WithAccountID(r.Context(), id)

	var msg sendRequest
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	secret, err := s.accounts.GetSecret(ctx, id)
	if err != nil {
		s.writeMappedError(ctx, w, err)
		return
	}
	result, err := s.sender.Send(ctx, secret, msg)
	if err != nil {
		s.writeMappedError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logging.WithAccountID(r.Context(), id)
	q := r.URL.Query()

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, codeValidation, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var since *time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "since must be an RFC 3339 timestamp")
			return
		}
		since = &t
	}

	secret, err := s.accounts.GetSecret(ctx, id)
	if err != nil {
		s.writeMappedError(ctx, w, err)
		return
	}
	messages, err := s.reader.ListRecent(ctx, secret, limit, since)
	if err != nil {
		s.writeMappedError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleFetchMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logging.WithAccountID(r.Context(), id)

	uid64, err := strconv.ParseUint(r.PathValue("uid"), 10, 32)
	if err != nil || uid64 == 0 {
		writeError(w, http.StatusBadRequest, codeValidation, "uid must be a positive integer")
		return
	}
	includeRaw := r.URL.Query().Get("includeRaw") != "false"

	secret, err := s.accounts.GetSecret(ctx, id)
	if err != nil {
		s.writeMappedError(ctx, w, err)
		return
	}
	msg, err := s.reader.FetchOne(ctx, secret, uint32(uid64), includeRaw)
	if err != nil {
		s.writeMappedError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleWatchStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logging.WithAccountID(r.Context(), id)

	if err := s.watchers.Ensure(ctx, id); err != nil {
		s.writeMappedError(ctx, w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleWatchStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.watchers.Stop(id)
	writeOK(w)
}

// handleStream is the SSE endpoint. After the headers are flushed every
// failure becomes an Error event on the stream, never an HTTP error.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logging.WithAccountID(r.Context(), id)

	handle, err := push.NewStreamHandle(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}

	if err := s.watchers.Attach(ctx, id, handle); err != nil {
		s.logger.WarnContext(ctx, "stream attach failed", "error", err.Error())
		streamError(handle, err)
		return
	}
	defer s.watchers.Detach(id, handle)

	s.logger.InfoContext(ctx, "push stream opened")
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.InfoContext(ctx, "push stream closed by client")
			return
		case <-s.shutdownCh:
			streamError(handle, errors.New("server shutting down"))
			return
		case <-ticker.C:
			if err := handle.Ping(); err != nil {
				s.logger.DebugContext(ctx, "push stream write failed", "error", err.Error())
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok", "redis": "ok"}
	status := http.StatusOK
	if err := s.pinger.Ping(r.Context()); err != nil {
		body["status"] = "degraded"
		body["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// streamError writes a final Error event to an open stream. Best effort.
func streamError(handle push.Handle, err error) {
	data, mErr := json.Marshal(push.ErrorEvent(err.Error()))
	if mErr != nil {
		return
	}
	handle.Send(data)
}

const (
	codeValidation = "validation"
	codeAuth       = "auth"
	codeNotFound   = "not_found"
	codeUpstream   = "upstream"
	codeInternal   = "internal"
)

// writeMappedError translates domain errors to status codes. Account
// not-found stays a 400 client error; only message lookups return 404.
func (s *Server) writeMappedError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gwmail.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusBadRequest, codeNotFound, err.Error())
	case errors.Is(err, crypto.ErrAuthFailed), errors.Is(err, gwmail.ErrAuthRejected):
		writeError(w, http.StatusBadRequest, codeAuth, err.Error())
	case errors.Is(err, gwmail.ErrUpstream):
		writeError(w, http.StatusBadRequest, codeUpstream, err.Error())
	case isValidationErr(err):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	default:
		s.logger.ErrorContext(ctx, "request failed", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func isValidationErr(err error) bool {
	for _, sentinel := range []error{
		validation.ErrInvalidEmail,
		validation.ErrInvalidHost,
		validation.ErrInvalidPort,
		validation.ErrInvalidCredentials,
		validation.ErrInvalidConnection,
		validation.ErrInvalidTenant,
		gwmail.ErrInvalidRecipient,
		gwmail.ErrInvalidAttachment,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
