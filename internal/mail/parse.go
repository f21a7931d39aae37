package mail

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	// Register extended charsets for MIME decoding.
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// parseMessage decodes the MIME structure of a raw message into text, html
// and attachment metadata. Unparseable parts are skipped rather than
// failing the whole message.
func parseMessage(raw []byte) (*ParsedPart, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	parsed := &ParsedPart{}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep what decoded so far.
			break
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, err := h.ContentType()
			if err != nil {
				continue
			}
			body, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(ct, "text/plain"):
				if parsed.Text == "" {
					parsed.Text = string(body)
				}
			case strings.HasPrefix(ct, "text/html"):
				if parsed.HTML == "" {
					parsed.HTML = string(body)
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			size, _ := io.Copy(io.Discard, p.Body)
			parsed.Attachments = append(parsed.Attachments, AttachmentMeta{
				Filename:    filename,
				ContentType: ct,
				Size:        int(size),
			})
		}
	}
	return parsed, nil
}
