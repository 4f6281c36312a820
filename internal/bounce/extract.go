package bounce

import (
	"regexp"
	"strings"

	"github.com/hpharmsen/ainews/internal/mailbox"
)

// Confidence ranks how reliably an extractor identifies the failed recipient.
type Confidence int

const (
	Low Confidence = iota
	High
)

func (c Confidence) String() string {
	if c == High {
		return "high"
	}
	return "low"
}

// Extractor finds the failed recipient in a delivery-failure notice.
type Extractor interface {
	Name() string
	Confidence() Confidence
	Extract(msg mailbox.Message) (string, bool)
}

var addressPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

func normalize(address string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(address), "<>.,;:"))
}

// HeaderExtractor reads the structured recipient fields of a bounce:
// X-Failed-Recipients on the notice itself and Final-Recipient or
// Original-Recipient in the delivery-status report.
type HeaderExtractor struct{}

func (HeaderExtractor) Name() string { return "header" }
func (HeaderExtractor) Confidence() Confidence { return High }

func (HeaderExtractor) Extract(msg mailbox.Message) (string, bool) {
	if failed := msg.Header.Get("X-Failed-Recipients"); failed != "" {
		if address := addressPattern.FindString(failed); address != "" {
			return normalize(address), true
		}
	}
	for _, field := range []string{"final-recipient:", "original-recipient:"} {
		for _, line := range strings.Split(msg.Status, "\n") {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(strings.ToLower(line), field) {
				continue
			}
			value := strings.TrimSpace(line[len(field):])
			if _, rest, ok := strings.Cut(value, ";"); ok {
				value = rest
			}
			if address := addressPattern.FindString(value); address != "" {
				return normalize(address), true
			}
		}
	}
	return "", false
}

// bodyPatterns are the wordings major providers use in the human-readable
// part of a failure notice. The first group captures the address.
var bodyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)wasn['’]?t delivered to\s+<?(` + addressPattern.String() + `)`),
	regexp.MustCompile(`(?i)could not be delivered to\s+<?(` + addressPattern.String() + `)`),
	regexp.MustCompile(`(?i)delivery to the following recipients? failed[^@]*?<?(` + addressPattern.String() + `)`),
	regexp.MustCompile(`(?i)delivery has failed to these recipients[^@]*?<?(` + addressPattern.String() + `)`),
	regexp.MustCompile(`(?i)<(` + addressPattern.String() + `)>:\s*(?:host|recipient|user|mailbox)`),
	regexp.MustCompile(`(?i)(` + addressPattern.String() + `)>?\s*\(?(?:user unknown|mailbox unavailable|no such user)`),
}

// BodyExtractor matches provider wordings in the notice text.
type BodyExtractor struct{}

func (BodyExtractor) Name() string { return "body" }
func (BodyExtractor) Confidence() Confidence { return High }

func (BodyExtractor) Extract(msg mailbox.Message) (string, bool) {
	for _, text := range []string{msg.Text, stripTags(msg.HTML)} {
		if text == "" {
			continue
		}
		for _, pattern := range bodyPatterns {
			if m := pattern.FindStringSubmatch(text); m != nil {
				return normalize(m[1]), true
			}
		}
	}
	return "", false
}

// CatchAllExtractor takes the first address in the notice that is neither
// ours nor a mail system's. It is the last resort.
type CatchAllExtractor struct {
	// Own lists addresses and @domains that belong to the newsletter.
	Own []string
}

func (CatchAllExtractor) Name() string { return "catch-all" }
func (CatchAllExtractor) Confidence() Confidence { return Low }

var systemLocalParts = []string{"mailer-daemon", "postmaster", "noreply", "no-reply", "bounce"}

func (c CatchAllExtractor) Extract(msg mailbox.Message) (string, bool) {
	for _, text := range []string{msg.Status, msg.ReturnedHeaders, msg.Text, stripTags(msg.HTML)} {
		for _, candidate := range addressPattern.FindAllString(text, -1) {
			address := normalize(candidate)
			if c.isOwn(address) || isSystem(address) || address == normalize(msg.From) {
				continue
			}
			return address, true
		}
	}
	return "", false
}

func (c CatchAllExtractor) isOwn(address string) bool {
	for _, own := range c.Own {
		own = normalize(own)
		if own == "" {
			continue
		}
		if strings.HasPrefix(own, "@") {
			if strings.HasSuffix(address, own) {
				return true
			}
		} else if address == own {
			return true
		}
	}
	return false
}

func isSystem(address string) bool {
	local, _, _ := strings.Cut(address, "@")
	for _, part := range systemLocalParts {
		if strings.Contains(local, part) {
			return true
		}
	}
	return false
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

func stripTags(html string) string {
	if html == "" {
		return ""
	}
	return tagPattern.ReplaceAllString(html, " ")
}

// Chain tries extractors in order and returns the first hit.
type Chain []Extractor

// DefaultChain orders the extractors from most to least reliable.
func DefaultChain(own []string) Chain {
	return Chain{HeaderExtractor{}, BodyExtractor{}, CatchAllExtractor{Own: own}}
}

// Recipient returns the failed recipient and the extractor that found it.
func (c Chain) Recipient(msg mailbox.Message) (string, Extractor, bool) {
	for _, e := range c {
		if address, ok := e.Extract(msg); ok {
			return address, e, true
		}
	}
	return "", nil, false
}

// spamPattern matches the wordings of a rejection of the newsletter's
// content or sending reputation rather than of the recipient's address.
var spamPattern = regexp.MustCompile(`(?i)\b(?:spam|spamhaus|spamcop|junk mail|unsolicited|block ?list(?:ed)?|black ?list(?:ed)?|sender reputation|low reputation|rejected for policy reasons|content policy|message content rejected)\b`)

// quoteMarker starts the copy of the undelivered message that providers
// append to the human-readable part of a notice.
var quoteMarker = regexp.MustCompile(`(?i)-{5} ?original message ?-{5}|-{6} this is a copy of the message|-{3} below this line is a copy of the message|original message headers:|content-type: message/rfc822`)

// IsSpamRejection reports whether the notice blames the message rather than
// the address. Only the diagnostic fields of the delivery-status report and
// the notice's own text count; the returned copy of our message does not.
func IsSpamRejection(msg mailbox.Message) bool {
	for _, text := range []string{diagnostics(msg.Status), noticeText(msg.Text), noticeText(stripTags(msg.HTML))} {
		if spamPattern.MatchString(text) {
			return true
		}
	}
	return false
}

// diagnostics returns the Diagnostic-Code and Status fields of a
// delivery-status report, continuation lines included.
func diagnostics(status string) string {
	var b strings.Builder
	keep := false
	for _, line := range strings.Split(status, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" && (line[0] == ' ' || line[0] == '\t') {
			if keep {
				b.WriteString(strings.TrimSpace(line) + "\n")
			}
			continue
		}
		name, value, _ := strings.Cut(line, ":")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "diagnostic-code", "status":
			keep = true
			b.WriteString(strings.TrimSpace(value) + "\n")
		default:
			keep = false
		}
	}
	return b.String()
}

// noticeText cuts the quoted original from a notice body and drops quoted
// and X-Spam header lines.
func noticeText(text string) string {
	if loc := quoteMarker.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, ">") || strings.HasPrefix(strings.ToLower(trimmed), "x-spam") {
			continue
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
