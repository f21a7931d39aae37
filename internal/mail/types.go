// Package mail holds the credential types and the transient SMTP/IMAP
// clients built from them.
package mail

import "time"

// Connection security modes for a mail server.
const (
	ConnectionTLS      = "TLS"
	ConnectionSTARTTLS = "STARTTLS"
)

// ServerSettings are the connection parameters for one mail server.
type ServerSettings struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	Connection string `json:"connection"`

	// HasPassword replaces Password in responses that redact credentials.
	HasPassword bool `json:"hasPassword,omitempty"`
}

// Secret is the decrypted credential payload for one account. It is never
// persisted in cleartext and never logged.
type Secret struct {
	Label        string         `json:"label,omitempty"`
	PrimaryEmail string         `json:"primaryEmail"`
	IMAP         ServerSettings `json:"imap"`
	SMTP         ServerSettings `json:"smtp"`
}

// Redacted returns a copy with passwords replaced by HasPassword flags.
func (s Secret) Redacted() Secret {
	out := s
	out.IMAP.HasPassword = out.IMAP.Password != ""
	out.IMAP.Password = ""
	out.SMTP.HasPassword = out.SMTP.Password != ""
	out.SMTP.Password = ""
	return out
}

// Attachment is one outbound attachment; content arrives base64-encoded.
type Attachment struct {
	Filename      string `json:"filename"`
	ContentBase64 string `json:"contentBase64"`
	ContentType   string `json:"contentType,omitempty"`
}

// OutgoingMessage is the payload for a send operation.
type OutgoingMessage struct {
	To          []string     `json:"to"`
	Cc          []string     `json:"cc,omitempty"`
	Bcc         []string     `json:"bcc,omitempty"`
	Subject     string       `json:"subject"`
	Text        string       `json:"text,omitempty"`
	HTML        string       `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SendResult reports per-recipient acceptance for one send. A result with
// rejected entries and a valid message ID is still a success at this layer.
type SendResult struct {
	MessageID string   `json:"messageId"`
	Accepted  []string `json:"accepted"`
	Rejected  []string `json:"rejected"`
}

// MessageMeta is envelope-level metadata for one inbox message.
type MessageMeta struct {
	UID     uint32    `json:"uid"`
	Subject string    `json:"subject"`
	From    []string  `json:"from"`
	To      []string  `json:"to"`
	Date    time.Time `json:"date"`
	Flags   []string  `json:"flags"`
}

// ParsedPart is the decoded view of one MIME part.
type ParsedPart struct {
	Text        string           `json:"text,omitempty"`
	HTML        string           `json:"html,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
}

// AttachmentMeta describes an attachment without its content.
type AttachmentMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Size        int    `json:"size"`
}

// Message is the full view of one fetched message.
type Message struct {
	MessageMeta
	Parsed *ParsedPart `json:"parsed,omitempty"`
	RFC822 string      `json:"rfc822,omitempty"`
}
