package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/fenilsonani/mailbox-gateway/internal/logging"
	gwmail "github.com/fenilsonani/mailbox-gateway/internal/mail"
	"github.com/fenilsonani/mailbox-gateway/internal/push"
)

// SecretSource resolves an account's decrypted credentials.
type SecretSource interface {
	GetSecret(ctx context.Context, accountID string) (gwmail.Secret, error)
}

// Runner is the watcher lifecycle the registry manages.
type Runner interface {
	Start()
	Stop()
	Done() <-chan struct{}
}

// Registry owns the process-wide accountId -> watcher map. At most one
// watcher exists per account. Watchers are created lazily on the first
// subscription (or an explicit start) and torn down when the subscriber set
// stays empty for the idle-grace window.
type Registry struct {
	cfg     Config
	hub     *push.Hub
	secrets SecretSource
	logger  *logging.Logger

	mu      sync.Mutex
	entries map[string]*entry

	// newRunner builds a watcher; swapped in tests.
	newRunner func(accountID string, settings gwmail.ServerSettings) Runner
}

type entry struct {
	runner    Runner
	idleTimer *time.Timer
}

// NewRegistry creates a Registry publishing through hub.
func NewRegistry(cfg Config, hub *push.Hub, secrets SecretSource, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	r := &Registry{
		cfg:     cfg,
		hub:     hub,
		secrets: secrets,
		logger:  logger.Watcher(),
		entries: make(map[string]*entry),
	}
	r.newRunner = func(accountID string, settings gwmail.ServerSettings) Runner {
		return New(accountID, settings, cfg, hub, logger)
	}
	return r
}

// Ensure starts a watcher for the account if none runs. A pending idle
// tear-down is cancelled; if the account still has no subscribers, the
// idle-grace timer is re-armed so an unwatched watcher does not live
// forever.
func (r *Registry) Ensure(ctx context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(ctx, accountID)
}

// Attach subscribes a push handle: the watcher is ensured, the handle is
// registered, and SSEReady is written to it before this returns.
func (r *Registry) Attach(ctx context.Context, accountID string, handle push.Handle) error {
	r.mu.Lock()
	if err := r.ensureLocked(ctx, accountID); err != nil {
		r.mu.Unlock()
		return err
	}
	r.hub.Attach(accountID, handle)
	if e := r.entries[accountID]; e != nil {
		r.cancelIdleLocked(e)
	}
	r.mu.Unlock()

	return r.hub.SendTo(handle, push.SSEReady(accountID))
}

// Detach removes a push handle; the last detach arms the idle-grace timer.
func (r *Registry) Detach(accountID string, handle push.Handle) {
	remaining := r.hub.Detach(accountID, handle)
	if remaining > 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[accountID]; e != nil {
		r.armIdleLocked(accountID, e)
	}
}

// Stop tears down the account's watcher, if any. Idempotent.
func (r *Registry) Stop(accountID string) {
	r.mu.Lock()
	e := r.entries[accountID]
	if e != nil {
		r.cancelIdleLocked(e)
		delete(r.entries, accountID)
	}
	r.mu.Unlock()

	if e != nil {
		e.runner.Stop()
		r.logger.Info("watcher stop requested", "account_id", accountID)
	}
}

// StopAll tears down every watcher and waits briefly for them to exit.
// Used on process shutdown.
func (r *Registry) StopAll(timeout time.Duration) {
	r.mu.Lock()
	entries := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
		r.cancelIdleLocked(e)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.runner.Stop()
	}
	deadline := time.After(timeout)
	for id, e := range entries {
		select {
		case <-e.runner.Done():
		case <-deadline:
			r.logger.Warn("watcher did not exit in time", "account_id", id)
			return
		}
	}
}

// Active reports whether a watcher currently exists for the account.
func (r *Registry) Active(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[accountID]
	return ok
}

func (r *Registry) ensureLocked(ctx context.Context, accountID string) error {
	if e, ok := r.entries[accountID]; ok {
		r.cancelIdleLocked(e)
		if r.hub.Count(accountID) == 0 {
			r.armIdleLocked(accountID, e)
		}
		return nil
	}

	secret, err := r.secrets.GetSecret(ctx, accountID)
	if err != nil {
		return err
	}

	runner := r.newRunner(accountID, secret.IMAP)
	e := &entry{runner: runner}
	r.entries[accountID] = e
	runner.Start()
	go r.reap(accountID, runner)

	r.logger.InfoContext(ctx, "watcher started", "account_id", accountID)

	if r.hub.Count(accountID) == 0 {
		r.armIdleLocked(accountID, e)
	}
	return nil
}

// reap removes the registry entry once a watcher exits on its own, so a
// failed watcher can be rebuilt by the next subscription.
func (r *Registry) reap(accountID string, runner Runner) {
	<-runner.Done()
	r.mu.Lock()
	if e, ok := r.entries[accountID]; ok && e.runner == runner {
		r.cancelIdleLocked(e)
		delete(r.entries, accountID)
	}
	r.mu.Unlock()
}

// armIdleLocked schedules tear-down after the idle-grace window unless a
// subscriber arrives first.
func (r *Registry) armIdleLocked(accountID string, e *entry) {
	r.cancelIdleLocked(e)
	grace := r.cfg.IdleGrace
	if grace <= 0 {
		grace = 60 * time.Second
	}
	e.idleTimer = time.AfterFunc(grace, func() {
		r.mu.Lock()
		current, ok := r.entries[accountID]
		if !ok || current != e || r.hub.Count(accountID) > 0 {
			r.mu.Unlock()
			return
		}
		delete(r.entries, accountID)
		r.mu.Unlock()

		e.runner.Stop()
		r.logger.Info("watcher torn down after idle grace", "account_id", accountID)
	})
}

func (r *Registry) cancelIdleLocked(e *entry) {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
}
