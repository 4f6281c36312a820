package mailbox

import (
	"io"
	"net/textproto"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Message is a parsed mail with its text parts decoded.
type Message struct {
	UID      uint32
	From     string
	FromName string
	Subject  string
	Date     time.Time
	// Header holds the top-level header fields with canonical keys.
	Header textproto.MIMEHeader
	Text   string // text/plain parts
	HTML   string // text/html parts
	// Status holds the message/delivery-status parts of bounce reports.
	Status string
	// ReturnedHeaders holds the text/rfc822-headers parts: the header of
	// the message that could not be delivered.
	ReturnedHeaders string
}

// Parse reads a raw RFC 5322 message.
func Parse(uid uint32, r io.Reader) (Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return Message{}, errors.Wrap(err, "reading message header")
	}
	if mr == nil {
		return Message{}, errors.New("empty message")
	}
	defer mr.Close()

	msg := Message{UID: uid, Header: textproto.MIMEHeader{}}
	fields := mr.Header.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		msg.Header.Add(fields.Key(), value)
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
		msg.FromName = from[0].Name
	} else {
		msg.From = strings.TrimSpace(mr.Header.Get("From"))
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = strings.TrimSpace(subject)
	}
	if date, err := mr.Header.Date(); err == nil {
		msg.Date = date
	}

	var text, html, status, returned strings.Builder
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return msg, errors.Wrap(err, "reading message part")
		}

		contentType := partContentType(part.Header)
		var dst *strings.Builder
		switch {
		case contentType == "text/plain":
			if _, ok := part.Header.(*mail.AttachmentHeader); ok {
				continue
			}
			dst = &text
		case contentType == "text/html":
			if _, ok := part.Header.(*mail.AttachmentHeader); ok {
				continue
			}
			dst = &html
		case contentType == "message/delivery-status":
			dst = &status
		case contentType == "text/rfc822-headers":
			dst = &returned
		default:
			continue
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return msg, errors.Wrapf(err, "reading %s part", contentType)
		}
		if dst.Len() > 0 {
			dst.WriteString("\n")
		}
		dst.Write(body)
	}

	msg.Text = text.String()
	msg.HTML = html.String()
	msg.Status = status.String()
	msg.ReturnedHeaders = returned.String()
	return msg, nil
}

func partContentType(h mail.PartHeader) string {
	switch ph := h.(type) {
	case *mail.InlineHeader:
		t, _, _ := ph.ContentType()
		return t
	case *mail.AttachmentHeader:
		t, _, _ := ph.ContentType()
		return t
	}
	return ""
}
