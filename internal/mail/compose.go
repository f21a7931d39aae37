package mail

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
)

// composeMessage builds the RFC 5322 wire form of an outgoing message and
// returns it together with the generated Message-ID.
func composeMessage(from string, msg OutgoingMessage) ([]byte, string, error) {
	messageID := generateMessageID(from)

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(msg.Subject)
	h.Set("Message-Id", "<"+messageID+">")
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", toAddressList(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toAddressList(msg.Cc))
	}
	// Bcc recipients go on the SMTP envelope only, never into the headers.

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create message writer: %w", err)
	}

	if msg.Text != "" || msg.HTML != "" || len(msg.Attachments) == 0 {
		iw, err := mw.CreateInline()
		if err != nil {
			return nil, "", fmt.Errorf("failed to create inline part: %w", err)
		}
		if msg.Text != "" || msg.HTML == "" {
			var th mail.InlineHeader
			th.Set("Content-Type", "text/plain; charset=utf-8")
			pw, err := iw.CreatePart(th)
			if err != nil {
				return nil, "", fmt.Errorf("failed to create text part: %w", err)
			}
			io.WriteString(pw, msg.Text)
			pw.Close()
		}
		if msg.HTML != "" {
			var hh mail.InlineHeader
			hh.Set("Content-Type", "text/html; charset=utf-8")
			pw, err := iw.CreatePart(hh)
			if err != nil {
				return nil, "", fmt.Errorf("failed to create html part: %w", err)
			}
			io.WriteString(pw, msg.HTML)
			pw.Close()
		}
		iw.Close()
	}

	for _, att := range msg.Attachments {
		if att.Filename == "" || att.ContentBase64 == "" {
			return nil, "", ErrInvalidAttachment
		}
		content, err := base64.StdEncoding.DecodeString(att.ContentBase64)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %s", ErrInvalidAttachment, att.Filename)
		}

		var ah mail.AttachmentHeader
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.Set("Content-Type", ct)
		ah.SetFilename(att.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create attachment: %w", err)
		}
		if _, err := aw.Write(content); err != nil {
			return nil, "", fmt.Errorf("failed to write attachment: %w", err)
		}
		aw.Close()
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func toAddressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = &mail.Address{Address: a}
	}
	return out
}

// generateMessageID builds a unique Message-ID local to the sender domain.
func generateMessageID(from string) string {
	domain := "localhost"
	for i := len(from) - 1; i >= 0; i-- {
		if from[i] == '@' {
			domain = from[i+1:]
			break
		}
	}
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d@%s", time.Now().UnixNano(), domain)
	}
	return fmt.Sprintf("%d.%s@%s", time.Now().UnixNano(), hex.EncodeToString(b), domain)
}
