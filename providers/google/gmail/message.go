package gmail

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Message is one Gmail message with its RFC 5322 content decoded.
type Message struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	Subject      string
	From         string
	To           []string
	Date         time.Time
	MessageID    string
	References   string
	TextBody     string
	HTMLBody     string
	InternalDate time.Time
}

// Draft is a plain-text reply saved in the user's drafts folder.
type Draft struct {
	To        string
	Subject   string
	Body      string
	ThreadID  string
	InReplyTo string
	// References carries the parent's References header, if any.
	References string
}

// parseRaw decodes a base64url "raw" payload and fills the RFC 5322 fields.
func parseRaw(raw string, msg *Message) error {
	data, err := decodeRaw(raw)
	if err != nil {
		return fmt.Errorf("gmail: decode raw message: %w", err)
	}
	reader, err := mail.CreateReader(bytes.NewReader(data))
	if err != nil && reader == nil {
		return fmt.Errorf("gmail: parse message: %w", err)
	}
	defer reader.Close()

	header := reader.Header
	if subject, subjectErr := header.Subject(); subjectErr == nil {
		msg.Subject = subject
	} else {
		msg.Subject = header.Get("Subject")
	}
	if from, fromErr := header.AddressList("From"); fromErr == nil && len(from) > 0 {
		msg.From = formatAddress(from[0])
	} else {
		msg.From = header.Get("From")
	}
	if to, toErr := header.AddressList("To"); toErr == nil {
		for _, address := range to {
			msg.To = append(msg.To, address.Address)
		}
	}
	if date, dateErr := header.Date(); dateErr == nil && !date.IsZero() {
		msg.Date = date.UTC()
	}
	if messageID, idErr := header.MessageID(); idErr == nil && messageID != "" {
		msg.MessageID = "<" + messageID + ">"
	}
	msg.References = strings.TrimSpace(header.Get("References"))

	for {
		part, partErr := reader.NextPart()
		if errors.Is(partErr, io.EOF) {
			break
		}
		if partErr != nil {
			// Undecodable parts are skipped; the headers are still useful.
			break
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain") && msg.TextBody == "":
			msg.TextBody = string(body)
		case strings.HasPrefix(contentType, "text/html") && msg.HTMLBody == "":
			msg.HTMLBody = string(body)
		}
	}
	return nil
}

// composeDraft renders draft as a single-part text/plain RFC 5322 message
// and returns it base64url encoded.
func composeDraft(draft Draft, now time.Time) (string, error) {
	to, err := mail.ParseAddressList(draft.To)
	if err != nil {
		return "", fmt.Errorf("gmail: draft recipient %q is invalid: %w", draft.To, err)
	}
	if len(to) == 0 {
		return "", fmt.Errorf("gmail: draft recipient is required")
	}

	var header mail.Header
	header.SetDate(now)
	header.SetAddressList("To", to)
	header.SetSubject(replySubject(draft.Subject))
	header.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if inReplyTo := strings.TrimSpace(draft.InReplyTo); inReplyTo != "" {
		header.Set("In-Reply-To", inReplyTo)
		references := strings.TrimSpace(strings.TrimSpace(draft.References) + " " + inReplyTo)
		header.Set("References", references)
	}
	if err := header.GenerateMessageID(); err != nil {
		return "", fmt.Errorf("gmail: generate message id: %w", err)
	}

	var buf bytes.Buffer
	writer, err := mail.CreateSingleInlineWriter(&buf, header)
	if err != nil {
		return "", fmt.Errorf("gmail: create draft writer: %w", err)
	}
	if _, err := io.WriteString(writer, draft.Body); err != nil {
		return "", fmt.Errorf("gmail: write draft body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("gmail: close draft writer: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re:"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func formatAddress(address *mail.Address) string {
	if address == nil {
		return ""
	}
	if address.Name == "" {
		return address.Address
	}
	return fmt.Sprintf("%s <%s>", address.Name, address.Address)
}

// decodeRaw accepts both padded and unpadded base64url.
func decodeRaw(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "=")); err == nil {
		return data, nil
	}
	return base64.URLEncoding.DecodeString(raw)
}
