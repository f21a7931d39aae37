// Package validation provides input validation for account payloads.
package validation

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	gwmail "github.com/fenilsonani/mailbox-gateway/internal/mail"
)

var (
	// ErrInvalidEmail is returned when an address is not a well-formed email
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrInvalidHost is returned when a server host is empty
	ErrInvalidHost = errors.New("invalid host: must be non-empty")
	// ErrInvalidPort is returned when a server port is out of range
	ErrInvalidPort = errors.New("invalid port: must be between 1 and 65535")
	// ErrInvalidCredentials is returned when username or password is empty
	ErrInvalidCredentials = errors.New("invalid credentials: username and password must be non-empty")
	// ErrInvalidConnection is returned when the connection mode is not TLS or STARTTLS
	ErrInvalidConnection = errors.New("invalid connection: must be TLS or STARTTLS")
	// ErrInvalidTenant is returned when the tenant id is empty
	ErrInvalidTenant = errors.New("invalid tenantId: must be non-empty")
)

// Email checks that an address parses as a bare RFC 5322 address.
func Email(address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return ErrInvalidEmail
	}
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEmail, address)
	}
	// Reject display-name forms; only the bare address is accepted.
	if parsed.Address != address {
		return fmt.Errorf("%w: %s", ErrInvalidEmail, address)
	}
	return nil
}

// TenantID checks that a tenant identifier is usable as a key component.
func TenantID(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return ErrInvalidTenant
	}
	if strings.ContainsAny(tenantID, ": \t\n") {
		return ErrInvalidTenant
	}
	return nil
}

// ServerSettings checks one server's connection parameters.
func ServerSettings(s gwmail.ServerSettings) error {
	if strings.TrimSpace(s.Host) == "" {
		return ErrInvalidHost
	}
	if s.Port < 1 || s.Port > 65535 {
		return ErrInvalidPort
	}
	if s.Username == "" || s.Password == "" {
		return ErrInvalidCredentials
	}
	if s.Connection != gwmail.ConnectionTLS && s.Connection != gwmail.ConnectionSTARTTLS {
		return ErrInvalidConnection
	}
	return nil
}

// Secret checks a full credential payload: primary email plus both servers.
func Secret(s gwmail.Secret) error {
	if err := Email(s.PrimaryEmail); err != nil {
		return fmt.Errorf("primaryEmail: %w", err)
	}
	if err := ServerSettings(s.IMAP); err != nil {
		return fmt.Errorf("imap: %w", err)
	}
	if err := ServerSettings(s.SMTP); err != nil {
		return fmt.Errorf("smtp: %w", err)
	}
	return nil
}

// MaskEmail masks the local part of an address for list responses. The
// domain is preserved verbatim. One character stays visible at each end of
// the local part with at least one asterisk between them; local parts of a
// single character are returned unchanged.
func MaskEmail(address string) string {
	at := strings.LastIndex(address, "@")
	if at <= 0 {
		return address
	}
	local, domain := address[:at], address[at+1:]

	runes := []rune(local)
	if len(runes) <= 1 {
		return address
	}

	stars := len(runes) - 2
	if stars < 1 {
		stars = 1
	}
	return string(runes[0]) + strings.Repeat("*", stars) + string(runes[len(runes)-1]) + "@" + domain
}
