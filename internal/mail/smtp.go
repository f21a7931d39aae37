package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	netmail "net/mail"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/fenilsonani/mailbox-gateway/internal/logging"
	"github.com/fenilsonani/mailbox-gateway/internal/metrics"
)

// Sender sends and verifies outbound mail over transient SMTP connections
// built from decrypted credentials.
type Sender struct {
	timeouts  Timeouts
	localName string
	logger    *logging.Logger
}

// NewSender creates a Sender. localName is the EHLO identity; empty picks
// "localhost".
func NewSender(timeouts Timeouts, localName string, logger *logging.Logger) *Sender {
	if localName == "" {
		localName = "localhost"
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Sender{
		timeouts:  timeouts,
		localName: localName,
		logger:    logger.Mail(),
	}
}

// Verify connects, negotiates TLS, authenticates and disconnects. Used by
// account creation's connection test and the test endpoint.
func (s *Sender) Verify(ctx context.Context, secret Secret) error {
	client, conn, err := s.connect(secret.SMTP)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer client.Close()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "smtp credentials verified",
		"host", secret.SMTP.Host, "port", secret.SMTP.Port)
	return client.Quit()
}

// Send delivers one message. The sender address is always the SMTP
// username, never the account's primary email. Recipients the server
// refuses are reported in Rejected; the send still succeeds when at least
// one recipient is accepted.
func (s *Sender) Send(ctx context.Context, secret Secret, msg OutgoingMessage) (*SendResult, error) {
	if err := checkRecipients(msg.To, true); err != nil {
		return nil, err
	}
	if err := checkRecipients(msg.Cc, false); err != nil {
		return nil, err
	}
	if err := checkRecipients(msg.Bcc, false); err != nil {
		return nil, err
	}

	from := secret.SMTP.Username
	raw, messageID, err := composeMessage(from, msg)
	if err != nil {
		return nil, err
	}

	client, conn, err := s.connect(secret.SMTP)
	if err != nil {
		metrics.SendsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	defer conn.Close()
	defer client.Close()

	if err := client.Mail(from, nil); err != nil {
		metrics.SendsTotal.WithLabelValues("error").Inc()
		return nil, classifySMTP(err)
	}

	var accepted, rejected []string
	recipients := make([]string, 0, len(msg.To)+len(msg.Cc)+len(msg.Bcc))
	recipients = append(recipients, msg.To...)
	recipients = append(recipients, msg.Cc...)
	recipients = append(recipients, msg.Bcc...)
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt, nil); err != nil {
			s.logger.WarnContext(ctx, "recipient refused",
				"recipient", rcpt, "error", err.Error())
			rejected = append(rejected, rcpt)
			continue
		}
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		metrics.SendsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: all recipients refused", ErrUpstream)
	}

	w, err := client.Data()
	if err != nil {
		metrics.SendsTotal.WithLabelValues("error").Inc()
		return nil, classifySMTP(err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		metrics.SendsTotal.WithLabelValues("error").Inc()
		return nil, classifySMTP(err)
	}
	if err := w.Close(); err != nil {
		metrics.SendsTotal.WithLabelValues("error").Inc()
		return nil, classifySMTP(err)
	}
	if err := client.Quit(); err != nil {
		// The message was accepted; a failed QUIT is not a send failure.
		s.logger.WarnContext(ctx, "smtp quit failed", "error", err.Error())
	}

	metrics.SendsTotal.WithLabelValues("ok").Inc()
	s.logger.InfoContext(ctx, "message sent",
		"message_id", messageID,
		"accepted", len(accepted), "rejected", len(rejected))

	if accepted == nil {
		accepted = []string{}
	}
	if rejected == nil {
		rejected = []string{}
	}
	return &SendResult{MessageID: messageID, Accepted: accepted, Rejected: rejected}, nil
}

// connect dials, upgrades to TLS as the settings demand, and authenticates.
// STARTTLS is mandatory in STARTTLS mode; a server not offering the upgrade
// fails the connection.
func (s *Sender) connect(settings ServerSettings) (*smtp.Client, *deadlineConn, error) {
	conn, err := dial(settings, s.timeouts)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	var client *smtp.Client
	if settings.Connection == ConnectionSTARTTLS {
		// Negotiates the upgrade during the greeting exchange and fails
		// when the server does not advertise STARTTLS.
		var err error
		client, err = smtp.NewClientStartTLS(conn, &tls.Config{ServerName: settings.Host})
		if err != nil {
			conn.Close()
			return nil, nil, classifySMTP(err)
		}
	} else {
		client = smtp.NewClient(conn)
	}
	if err := client.Hello(s.localName); err != nil {
		client.Close()
		conn.Close()
		return nil, nil, classifySMTP(err)
	}
	conn.setReadTimeout(s.timeouts.Socket)

	auth := sasl.NewPlainClient("", settings.Username, settings.Password)
	if err := client.Auth(auth); err != nil {
		client.Close()
		conn.Close()
		return nil, nil, classifySMTP(err)
	}
	return client, conn, nil
}

// checkRecipients validates one recipient list before the SMTP dialogue
// starts. Only bare RFC 5322 addresses are accepted; required rejects an
// empty list.
func checkRecipients(addrs []string, required bool) error {
	if len(addrs) == 0 {
		if required {
			return fmt.Errorf("%w: at least one recipient required", ErrInvalidRecipient)
		}
		return nil
	}
	for _, addr := range addrs {
		trimmed := strings.TrimSpace(addr)
		if trimmed == "" {
			return fmt.Errorf("%w: empty address", ErrInvalidRecipient)
		}
		parsed, err := netmail.ParseAddress(trimmed)
		if err != nil || parsed.Address != trimmed {
			return fmt.Errorf("%w: %s", ErrInvalidRecipient, addr)
		}
	}
	return nil
}
