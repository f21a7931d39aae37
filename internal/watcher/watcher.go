// Package watcher maintains one long-lived IMAP connection per account and
// publishes new-mail notifications.
package watcher

import (
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/fenilsonani/mailbox-gateway/internal/logging"
	gwmail "github.com/fenilsonani/mailbox-gateway/internal/mail"
	"github.com/fenilsonani/mailbox-gateway/internal/metrics"
	"github.com/fenilsonani/mailbox-gateway/internal/push"
)

// Config bounds a watcher's timers.
type Config struct {
	// Keepalive is the self-check interval while watching.
	Keepalive time.Duration
	// IdleGrace is how long an unsubscribed watcher survives.
	IdleGrace time.Duration
	// Timeouts bounds the IMAP connection.
	Timeouts gwmail.Timeouts
}

// DefaultConfig returns the standard watcher timers.
func DefaultConfig() Config {
	return Config{
		Keepalive: 5 * time.Minute,
		IdleGrace: 60 * time.Second,
		Timeouts:  gwmail.DefaultTimeouts(),
	}
}

// Publisher is the event sink a watcher publishes to.
type Publisher interface {
	Broadcast(accountID string, ev push.Event)
}

// Watcher owns one account's IMAP connection. It selects INBOX, baselines
// the last-seen UID at UIDNEXT-1, then waits in IDLE for new-mail signals
// and fetches everything above the baseline. Notifications for one account
// are published in strictly increasing UID order.
type Watcher struct {
	accountID string
	settings  gwmail.ServerSettings
	cfg       Config
	pub       Publisher
	logger    *logging.Logger

	lastUID   imap.UID // touched only by the run goroutine
	newMailCh chan struct{}

	// dialFn is replaced in tests to point the watcher at a local server.
	dialFn func(settings gwmail.ServerSettings, t gwmail.Timeouts, steadyRead time.Duration, opts *imapclient.Options) (*imapclient.Client, error)

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a Watcher holding only the IMAP connection settings, never
// the full secret.
func New(accountID string, settings gwmail.ServerSettings, cfg Config, pub Publisher, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Watcher{
		accountID: accountID,
		settings:  settings,
		cfg:       cfg,
		pub:       pub,
		logger:    logger.Watcher().WithFields("account_id", accountID),
		newMailCh: make(chan struct{}, 1),
		dialFn:    gwmail.DialIMAP,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the watcher goroutine.
func (w *Watcher) Start() {
	go w.run()
}

// Stop signals the watcher to shut down. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Done closes once the watcher has fully exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run() {
	defer close(w.done)

	metrics.WatchersActive.Inc()
	defer metrics.WatchersActive.Dec()

	client, err := w.connect()
	if err != nil {
		w.fail(err)
		return
	}
	defer client.Close()

	selectData, err := client.Select("INBOX", nil).Wait()
	if err != nil {
		w.fail(err)
		return
	}
	if selectData.UIDNext > 0 {
		w.lastUID = selectData.UIDNext - 1
	}
	w.logger.Info("watching inbox",
		"uid_validity", selectData.UIDValidity, "last_uid", uint32(w.lastUID))

	w.pub.Broadcast(w.accountID, push.WatcherReady(w.accountID))

	if err := w.watchLoop(client); err != nil {
		w.fail(err)
		return
	}

	// Clean stop: release the mailbox and log out.
	if err := client.Unselect().Wait(); err == nil {
		client.Logout().Wait()
	}
	w.logger.Info("watcher stopped")
}

// connect dials with a read deadline above the keepalive interval, so the
// deadline never fires while the connection sits in IDLE between probes.
func (w *Watcher) connect() (*imapclient.Client, error) {
	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					w.signalNewMail()
				}
			},
		},
	}
	steadyRead := w.cfg.Keepalive + time.Minute
	return w.dialFn(w.settings, w.cfg.Timeouts, steadyRead, opts)
}

// signalNewMail coalesces "exists" notifications into a single pending
// fetch pass.
func (w *Watcher) signalNewMail() {
	select {
	case w.newMailCh <- struct{}{}:
	default:
	}
}

// watchLoop alternates between IDLE and fetch passes until stopped. When
// the server does not support IDLE it degrades to polling at the keepalive
// interval. A nil return means a clean stop.
func (w *Watcher) watchLoop(client *imapclient.Client) error {
	keepalive := w.cfg.Keepalive
	if keepalive <= 0 {
		keepalive = 5 * time.Minute
	}

	timer := time.NewTimer(keepalive)
	defer timer.Stop()

	for {
		idleCmd, idleErr := client.Idle()
		if idleErr != nil {
			w.logger.Warn("idle unsupported, polling instead", "error", idleErr.Error())
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(keepalive)

		var fetchPending bool
		select {
		case <-w.stopCh:
			if idleCmd != nil {
				idleCmd.Close()
				idleCmd.Wait()
			}
			return nil
		case <-w.newMailCh:
			fetchPending = true
		case <-timer.C:
			// Keepalive probe: cycle IDLE and re-scan as a safety net for
			// servers that accept IDLE but never push EXISTS.
			fetchPending = true
		}

		if idleCmd != nil {
			if err := idleCmd.Close(); err != nil {
				return err
			}
			if err := idleCmd.Wait(); err != nil {
				return err
			}
		}
		if fetchPending {
			if err := w.fetchNew(client); err != nil {
				return err
			}
		}
	}
}

// fetchNew fetches everything above the baseline and publishes one event
// per message. Only one pass runs at a time; signals arriving mid-pass are
// coalesced and picked up by the next pass.
func (w *Watcher) fetchNew(client *imapclient.Client) error {
	var uidSet imap.UIDSet
	uidSet.AddRange(w.lastUID+1, 0)

	fetchCmd := client.Fetch(uidSet, &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		InternalDate: true,
		UID:          true,
	})
	bufs, err := fetchCmd.Collect()
	if err != nil {
		return err
	}

	metas := make([]gwmail.MessageMeta, 0, len(bufs))
	for _, buf := range bufs {
		metas = append(metas, gwmail.MetaFromBuffer(buf))
	}
	for _, meta := range filterNew(metas, uint32(w.lastUID)) {
		w.pub.Broadcast(w.accountID, push.EmailReceived(w.accountID, meta))
		if imap.UID(meta.UID) > w.lastUID {
			w.lastUID = imap.UID(meta.UID)
		}
	}
	return nil
}

// fail publishes an Error event and leaves the watcher stopped.
func (w *Watcher) fail(err error) {
	w.logger.WithError(err).Error("watcher failed")
	w.pub.Broadcast(w.accountID, push.ErrorEvent(err.Error()))
}

// filterNew keeps metas with UID strictly above lastUID, in ascending UID
// order. Servers answer a `{n}:*` fetch with the highest-UID message even
// when n exceeds it, so the range result cannot be trusted unfiltered.
func filterNew(metas []gwmail.MessageMeta, lastUID uint32) []gwmail.MessageMeta {
	out := make([]gwmail.MessageMeta, 0, len(metas))
	for _, m := range metas {
		if m.UID > lastUID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}
