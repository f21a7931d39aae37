package mail

import (
	"errors"
	"net"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-smtp"
)

var (
	// ErrAuthRejected is returned when the upstream server refuses the
	// stored credentials.
	ErrAuthRejected = errors.New("upstream rejected credentials")
	// ErrUpstream is returned for connect, TLS and protocol failures that
	// are not authentication problems.
	ErrUpstream = errors.New("upstream server error")
	// ErrMessageNotFound is returned when a fetch-by-UID yields nothing.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidRecipient is returned when an outgoing recipient list is
	// missing or contains a malformed address.
	ErrInvalidRecipient = errors.New("invalid recipient address")
	// ErrInvalidAttachment is returned when attachment content is not
	// decodable base64 or the filename is missing.
	ErrInvalidAttachment = errors.New("invalid attachment: filename and base64 content required")
)

// classifySMTP maps a go-smtp client error onto the gateway's error kinds
// using the server's reply code rather than message text.
func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch smtpErr.Code {
		case 530, 534, 535, 538:
			return errors.Join(ErrAuthRejected, err)
		}
		return errors.Join(ErrUpstream, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errors.Join(ErrUpstream, err)
	}
	return errors.Join(ErrUpstream, err)
}

// classifyIMAP maps a go-imap command error onto the gateway's error kinds.
// A NO reply to LOGIN/AUTHENTICATE is an authentication failure; everything
// else is an upstream fault.
func classifyIMAP(err error, authPhase bool) error {
	if err == nil {
		return nil
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		if authPhase && imapErr.Type == imap.StatusResponseTypeNo {
			return errors.Join(ErrAuthRejected, err)
		}
		if imapErr.Code == imap.ResponseCodeAuthenticationFailed {
			return errors.Join(ErrAuthRejected, err)
		}
		return errors.Join(ErrUpstream, err)
	}
	return errors.Join(ErrUpstream, err)
}
