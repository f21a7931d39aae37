// Package push fans watcher events out to subscribed HTTP clients.
package push

import (
	"time"

	gwmail "github.com/fenilsonani/mailbox-gateway/internal/mail"
)

// Event types carried on a push stream.
const (
	TypeSSEReady      = "SSEReady"
	TypeWatcherReady  = "WatcherReady"
	TypeEmailReceived = "EmailReceived"
	TypeError         = "Error"
)

// Event is one push-channel payload.
type Event struct {
	Type      string     `json:"type"`
	AccountID string     `json:"accountId,omitempty"`
	UID       uint32     `json:"uid,omitempty"`
	Subject   string     `json:"subject,omitempty"`
	From      []string   `json:"from,omitempty"`
	To        []string   `json:"to,omitempty"`
	Date      *time.Time `json:"date,omitempty"`
	Flags     []string   `json:"flags,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// SSEReady is sent to a subscriber immediately after it attaches.
func SSEReady(accountID string) Event {
	return Event{Type: TypeSSEReady, AccountID: accountID}
}

// WatcherReady announces that the inbox watcher reached its watching state.
func WatcherReady(accountID string) Event {
	return Event{Type: TypeWatcherReady, AccountID: accountID}
}

// EmailReceived announces one newly observed message.
func EmailReceived(accountID string, meta gwmail.MessageMeta) Event {
	date := meta.Date
	return Event{
		Type:      TypeEmailReceived,
		AccountID: accountID,
		UID:       meta.UID,
		Subject:   meta.Subject,
		From:      meta.From,
		To:        meta.To,
		Date:      &date,
		Flags:     meta.Flags,
	}
}

// ErrorEvent reports a watcher or stream failure to subscribers.
func ErrorEvent(message string) Event {
	return Event{Type: TypeError, Message: message}
}
