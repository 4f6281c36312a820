// Package mailbox talks IMAP to the newsletter account: it reads the labelled
// news mails, finds delivery-failure notices and removes processed messages.
package mailbox

import (
	"net"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"

	"github.com/hpharmsen/ainews/internal/config"
)

// ErrConnect marks failures to reach or log in to the IMAP server.
var ErrConnect = errors.New("mailbox connection failed")

const (
	dialTimeout    = 30 * time.Second
	commandTimeout = 2 * time.Minute
)

// Envelope is the header summary of a message, enough to decide whether to fetch it.
type Envelope struct {
	UID        uint32
	From       string
	FromName   string
	Subject    string
	Date       time.Time
	MessageID  string
	Recipients []string
}

// Client is a logged-in IMAP session.
type Client struct {
	c   *client.Client
	log zerolog.Logger
}

// Dial connects over TLS and logs in.
func Dial(cfg config.Mailbox, log zerolog.Logger) (*Client, error) {
	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: dialTimeout}, cfg.Address(), nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "dialing %s", cfg.Address()), ErrConnect)
	}
	c.Timeout = commandTimeout

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		_ = c.Logout()
		return nil, errors.Mark(errors.Wrapf(err, "logging in as %s", cfg.Username), ErrConnect)
	}

	log = log.With().Str("component", "mailbox").Logger()
	log.Debug().Str("server", cfg.Address()).Msg("Connected to mailbox")
	return &Client{c: c, log: log}, nil
}

// Select opens a folder (a Gmail label) for reading and flag changes.
func (m *Client) Select(name string) error {
	if _, err := m.c.Select(name, false); err != nil {
		return errors.Wrapf(err, "selecting %s", name)
	}
	return nil
}

// All returns the UIDs of every message in the selected folder.
func (m *Client) All() ([]uint32, error) {
	uids, err := m.c.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, errors.Wrap(err, "listing messages")
	}
	return uids, nil
}

// SearchFrom returns the UIDs of messages whose From header contains any of senders.
func (m *Client) SearchFrom(senders []string) ([]uint32, error) {
	if len(senders) == 0 {
		return nil, nil
	}
	uids, err := m.c.UidSearch(fromCriteria(senders))
	if err != nil {
		return nil, errors.Wrap(err, "searching by sender")
	}
	return uids, nil
}

// fromCriteria ORs one From criterion per sender.
func fromCriteria(senders []string) *imap.SearchCriteria {
	byFrom := func(sender string) *imap.SearchCriteria {
		c := imap.NewSearchCriteria()
		c.Header.Add("From", sender)
		return c
	}
	criteria := byFrom(senders[0])
	for _, sender := range senders[1:] {
		or := imap.NewSearchCriteria()
		or.Or = [][2]*imap.SearchCriteria{{criteria, byFrom(sender)}}
		criteria = or
	}
	return criteria
}

// SearchMessageID returns the UIDs carrying the given Message-ID header.
func (m *Client) SearchMessageID(messageID string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", messageID)
	uids, err := m.c.UidSearch(criteria)
	if err != nil {
		return nil, errors.Wrapf(err, "searching for %s", messageID)
	}
	return uids, nil
}

// Envelopes fetches sender, date and subject for uids.
func (m *Client) Envelopes(uids []uint32) ([]Envelope, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope}

	var envelopes []Envelope
	err := m.fetch(uids, items, func(msg *imap.Message) {
		if msg.Envelope == nil {
			m.log.Warn().Uint32("uid", msg.Uid).Msg("Message without envelope, skipping")
			return
		}
		envelopes = append(envelopes, envelopeOf(msg.Uid, msg.Envelope))
	})
	return envelopes, err
}

func envelopeOf(uid uint32, e *imap.Envelope) Envelope {
	env := Envelope{UID: uid, Subject: strings.TrimSpace(e.Subject), Date: e.Date, MessageID: e.MessageId}
	if len(e.From) > 0 && e.From[0] != nil {
		env.From = e.From[0].Address()
		env.FromName = e.From[0].PersonalName
	}
	for _, to := range e.To {
		if to != nil {
			env.Recipients = append(env.Recipients, to.Address())
		}
	}
	return env
}

// Messages fetches and parses the full messages for uids without marking them
// read. A message that cannot be parsed is logged and left out.
func (m *Client) Messages(uids []uint32) ([]Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	var messages []Message
	err := m.fetch(uids, items, func(msg *imap.Message) {
		body := msg.GetBody(section)
		if body == nil {
			m.log.Warn().Uint32("uid", msg.Uid).Msg("Server returned no body, skipping")
			return
		}
		parsed, err := Parse(msg.Uid, body)
		if err != nil {
			m.log.Warn().Err(err).Uint32("uid", msg.Uid).Msg("Could not parse message, skipping")
			return
		}
		messages = append(messages, parsed)
	})
	return messages, err
}

// fetch runs one UID FETCH and hands each message to handle in arrival order.
func (m *Client) fetch(uids []uint32, items []imap.FetchItem, handle func(*imap.Message)) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seqset, items, ch)
	}()

	for msg := range ch {
		handle(msg)
	}
	if err := <-done; err != nil {
		return errors.Wrap(err, "fetching messages")
	}
	return nil
}

// Delete flags uids as deleted and expunges them from the selected folder.
func (m *Client) Delete(uids ...uint32) error {
	if len(uids) == 0 {
		return nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	flags := []interface{}{imap.DeletedFlag}
	if err := m.c.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return errors.Wrap(err, "flagging messages deleted")
	}
	if err := m.c.Expunge(nil); err != nil {
		return errors.Wrap(err, "expunging")
	}
	return nil
}

// Move moves uids from the selected folder to folder, creating it first
// when it does not exist.
func (m *Client) Move(folder string, uids ...uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if err := m.ensureFolder(folder); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	if err := m.c.UidMove(seqset, folder); err != nil {
		return errors.Wrapf(err, "moving messages to %s", folder)
	}
	return nil
}

func (m *Client) ensureFolder(name string) error {
	infos := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.c.List("", name, infos)
	}()
	found := false
	for range infos {
		found = true
	}
	if err := <-done; err != nil {
		return errors.Wrapf(err, "listing %s", name)
	}
	if found {
		return nil
	}
	if err := m.c.Create(name); err != nil {
		return errors.Wrapf(err, "creating %s", name)
	}
	m.log.Info().Str("folder", name).Msg("Created mailbox folder")
	return nil
}

// Close logs out.
func (m *Client) Close() error {
	if err := m.c.Logout(); err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
		return errors.Wrap(err, "logging out")
	}
	return nil
}
