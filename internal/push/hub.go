package push

import (
	"encoding/json"
	"sync"

	"github.com/fenilsonani/mailbox-gateway/internal/logging"
	"github.com/fenilsonani/mailbox-gateway/internal/metrics"
)

// Hub tracks the subscriber set per account and broadcasts events to it.
// Delivery is best-effort: a handle whose write fails is dropped without
// blocking the others.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[Handle]struct{}
	logger      *logging.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[Handle]struct{}),
		logger:      logger.Push(),
	}
}

// Attach registers a subscriber and returns the account's new subscriber
// count.
func (h *Hub) Attach(accountID string, handle Handle) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subscribers[accountID]
	if set == nil {
		set = make(map[Handle]struct{})
		h.subscribers[accountID] = set
	}
	if _, ok := set[handle]; !ok {
		set[handle] = struct{}{}
		metrics.SSEClients.Inc()
	}
	return len(set)
}

// Detach removes a subscriber and returns the remaining count.
func (h *Hub) Detach(accountID string, handle Handle) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(accountID, handle)
}

// Count returns the current subscriber count for an account.
func (h *Hub) Count(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[accountID])
}

// SendTo serializes an event and writes it to a single handle, for the
// attach-time SSEReady delivered before any broadcast.
func (h *Hub) SendTo(handle Handle, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return handle.Send(data)
}

// Broadcast serializes the event once and writes it to every subscriber of
// the account. Handles whose write fails are silently dropped.
func (h *Hub) Broadcast(accountID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.WithError(err).Error("failed to encode event",
			"account_id", accountID, "type", ev.Type)
		return
	}

	h.mu.RLock()
	targets := make([]Handle, 0, len(h.subscribers[accountID]))
	for handle := range h.subscribers[accountID] {
		targets = append(targets, handle)
	}
	h.mu.RUnlock()

	var dead []Handle
	for _, handle := range targets {
		if err := handle.Send(data); err != nil {
			dead = append(dead, handle)
		}
	}

	if len(dead) > 0 {
		h.mu.Lock()
		for _, handle := range dead {
			h.removeLocked(accountID, handle)
		}
		h.mu.Unlock()
		h.logger.Debug("dropped broken subscribers",
			"account_id", accountID, "count", len(dead))
	}

	metrics.WatcherEventsPublished.WithLabelValues(ev.Type).Inc()
}

// CloseAccount drops every subscriber of one account, returning the handles
// so the caller can finish their streams.
func (h *Hub) CloseAccount(accountID string) []Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subscribers[accountID]
	handles := make([]Handle, 0, len(set))
	for handle := range set {
		handles = append(handles, handle)
		metrics.SSEClients.Dec()
	}
	delete(h.subscribers, accountID)
	return handles
}

func (h *Hub) removeLocked(accountID string, handle Handle) int {
	set := h.subscribers[accountID]
	if set == nil {
		return 0
	}
	if _, ok := set[handle]; ok {
		delete(set, handle)
		metrics.SSEClients.Dec()
	}
	if len(set) == 0 {
		delete(h.subscribers, accountID)
		return 0
	}
	return len(set)
}
