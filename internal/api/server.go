// Package api serves the HTTP control plane for the mailbox gateway.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fenilsonani/mailbox-gateway/internal/logging"
	gwmail "github.com/fenilsonani/mailbox-gateway/internal/mail"
	"github.com/fenilsonani/mailbox-gateway/internal/push"
	"github.com/fenilsonani/mailbox-gateway/internal/store"
)

// Accounts is the account store surface the handlers consume.
type Accounts interface {
	Create(ctx context.Context, tenantID string, secret gwmail.Secret, testConnection bool) (string, error)
	List(ctx context.Context, tenantID string) ([]store.AccountSummary, error)
	Get(ctx context.Context, accountID string, includePasswords bool) (*store.AccountDetail, error)
	GetSecret(ctx context.Context, accountID string) (gwmail.Secret, error)
	Update(ctx context.Context, accountID string, secret gwmail.Secret) error
	Delete(ctx context.Context, accountID string) error
}

// Sender is the outbound mail surface.
type Sender interface {
	Verify(ctx context.Context, secret gwmail.Secret) error
	Send(ctx context.Context, secret gwmail.Secret, msg gwmail.OutgoingMessage) (*gwmail.SendResult, error)
}

// Reader is the transient inbox surface.
type Reader interface {
	Verify(ctx context.Context, secret gwmail.Secret) error
	ListRecent(ctx context.Context, secret gwmail.Secret, limit int, since *time.Time) ([]gwmail.MessageMeta, error)
	FetchOne(ctx context.Context, secret gwmail.Secret, uid uint32, includeRaw bool) (*gwmail.Message, error)
}

// Watchers is the watcher registry surface.
type Watchers interface {
	Ensure(ctx context.Context, accountID string) error
	Attach(ctx context.Context, accountID string, handle push.Handle) error
	Detach(accountID string, handle push.Handle)
	Stop(accountID string)
}

// Pinger reports backing-store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server handles the mailbox control plane.
type Server struct {
	accounts Accounts
	sender   Sender
	reader   Reader
	watchers Watchers
	pinger   Pinger
	logger   *logging.Logger

	heartbeat  time.Duration
	httpServer *http.Server

	// closed when Shutdown begins so open push streams can drain.
	shutdownCh chan struct{}
}

// NewServer creates the control-plane server. heartbeat is the SSE ping
// interval.
func NewServer(accounts Accounts, sender Sender, reader Reader, watchers Watchers, pinger Pinger, heartbeat time.Duration, logger *logging.Logger) *Server {
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		accounts:   accounts,
		sender:     sender,
		reader:     reader,
		watchers:   watchers,
		pinger:     pinger,
		logger:     logger.HTTP(),
		heartbeat:  heartbeat,
		shutdownCh: make(chan struct{}),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /mailbox/accounts", s.handleCreateAccount)
	mux.HandleFunc("GET /mailbox/accounts", s.handleListAccounts)
	mux.HandleFunc("GET /mailbox/accounts/{id}", s.handleGetAccount)
	mux.HandleFunc("PUT /mailbox/accounts/{id}", s.handleUpdateAccount)
	mux.HandleFunc("DELETE /mailbox/accounts/{id}", s.handleDeleteAccount)
	mux.HandleFunc("POST /mailbox/accounts/{id}/test", s.handleTestAccount)
	mux.HandleFunc("POST /mailbox/accounts/{id}/send", s.handleSend)
	mux.HandleFunc("GET /mailbox/accounts/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /mailbox/accounts/{id}/messages/{uid}", s.handleFetchMessage)
	mux.HandleFunc("POST /mailbox/accounts/{id}/watch/start", s.handleWatchStart)
	mux.HandleFunc("POST /mailbox/accounts/{id}/watch/stop", s.handleWatchStop)
	mux.HandleFunc("GET /mailbox/accounts/{id}/stream", s.handleStream)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withRequestLog(mux)
}

// Start serves until the listener fails or Shutdown runs. WriteTimeout is
// left unset: push streams stay open far longer than any sane write
// timeout, and their writes are already bounded by the heartbeat cycle.
func (s *Server) Start(listen string) error {
	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting control plane", "listen", listen)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, tells open push streams to drain, and
// waits for in-flight handlers up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.shutdownCh)
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
