package delivery

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// SentFolder is the part of a mailbox session used to remove sent copies.
type SentFolder interface {
	Select(name string) error
	SearchMessageID(messageID string) ([]uint32, error)
	Delete(uids ...uint32) error
	Close() error
}

// SentCleaner removes the account's copies of sent newsletters so the Sent
// folder does not fill up with one copy per subscriber.
type SentCleaner struct {
	connect func(ctx context.Context) (SentFolder, error)
	folder  string
	log     zerolog.Logger
}

// NewSentCleaner creates a cleaner for folder.
func NewSentCleaner(connect func(ctx context.Context) (SentFolder, error), folder string, log zerolog.Logger) *SentCleaner {
	return &SentCleaner{connect: connect, folder: folder, log: log.With().Str("component", "sent-cleanup").Logger()}
}

// DeleteSent deletes the messages with the given Message-IDs. Failures for a
// single message are logged and skipped; the returned count is the number
// of deleted copies.
func (c *SentCleaner) DeleteSent(ctx context.Context, messageIDs []string) (int, error) {
	box, err := c.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := box.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Closing mailbox failed")
		}
	}()

	if err := box.Select(c.folder); err != nil {
		return 0, errors.Wrapf(err, "selecting %s", c.folder)
	}

	deleted := 0
	for _, id := range messageIDs {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		uids, err := box.SearchMessageID(id)
		if err != nil {
			c.log.Warn().Err(err).Str("message_id", id).Msg("Could not find sent copy")
			continue
		}
		if len(uids) == 0 {
			c.log.Debug().Str("message_id", id).Msg("Sent copy not found")
			continue
		}
		if err := box.Delete(uids...); err != nil {
			c.log.Warn().Err(err).Str("message_id", id).Msg("Could not delete sent copy")
			continue
		}
		deleted += len(uids)
	}
	return deleted, nil
}
