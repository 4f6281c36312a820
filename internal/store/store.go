// Package store keeps the state that survives between runs: the delivery
// watermark per schedule, the undelivered counter per recipient and the send log.
//
// Read-modify-write updates hold an OS file lock and replace files atomically.
// The store still assumes a single process per schedule.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/hpharmsen/ainews/internal/core"
)

const (
	watermarkFile   = "last_sent.json"
	undeliveredFile = "undelivered.json"
	sendLogFile     = "send.log"

	lockRetryDelay = 50 * time.Millisecond
)

// Store is the file-backed run state under one data directory.
type Store struct {
	dir string
	log zerolog.Logger
}

// New opens the state directory, creating it when needed.
func New(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating data directory %s", dir)
	}
	return &Store{dir: dir, log: log.With().Str("component", "store").Logger()}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// withLock runs fn while holding the lock file next to name.
func (s *Store) withLock(ctx context.Context, name string, fn func() error) error {
	lock := flock.New(s.path(name) + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return errors.Wrapf(err, "locking %s", name)
	}
	if !locked {
		return errors.Newf("could not lock %s", name)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.log.Warn().Err(err).Str("file", name).Msg("Failed to release lock")
		}
	}()
	return fn()
}

func (s *Store) readJSON(name string, v any) error {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading %s", name)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "decoding %s", name)
	}
	return nil
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %s", name)
	}
	if err := renameio.WriteFile(s.path(name), append(data, '\n'), 0644); err != nil {
		return errors.Wrapf(err, "writing %s", name)
	}
	return nil
}

type watermarks struct {
	LastSent map[core.Schedule]*time.Time `json:"last_sent"`
}

func (s *Store) readWatermarks() (watermarks, error) {
	w := watermarks{}
	if err := s.readJSON(watermarkFile, &w); err != nil {
		return w, err
	}
	if w.LastSent == nil {
		w.LastSent = map[core.Schedule]*time.Time{}
	}
	for _, schedule := range []core.Schedule{core.Daily, core.Weekly} {
		if _, ok := w.LastSent[schedule]; !ok {
			w.LastSent[schedule] = nil
		}
	}
	return w, nil
}

// LastSent returns the time of the last fully successful send for schedule.
func (s *Store) LastSent(schedule core.Schedule) (time.Time, bool, error) {
	w, err := s.readWatermarks()
	if err != nil {
		return time.Time{}, false, err
	}
	if t := w.LastSent[schedule]; t != nil {
		return *t, true, nil
	}
	return time.Time{}, false, nil
}

// SetLastSent moves the watermark of schedule to t.
func (s *Store) SetLastSent(ctx context.Context, schedule core.Schedule, t time.Time) error {
	return s.withLock(ctx, watermarkFile, func() error {
		w, err := s.readWatermarks()
		if err != nil {
			return err
		}
		w.LastSent[schedule] = &t
		return s.writeJSON(watermarkFile, w)
	})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Undelivered returns the number of failures counted for email.
func (s *Store) Undelivered(email string) (int, error) {
	counts := map[string]int{}
	if err := s.readJSON(undeliveredFile, &counts); err != nil {
		return 0, err
	}
	return counts[normalizeEmail(email)], nil
}

// IncrementUndelivered adds one failure for email and returns the new count.
// Counts are never reset.
func (s *Store) IncrementUndelivered(ctx context.Context, email string) (int, error) {
	var count int
	err := s.withLock(ctx, undeliveredFile, func() error {
		counts := map[string]int{}
		if err := s.readJSON(undeliveredFile, &counts); err != nil {
			return err
		}
		key := normalizeEmail(email)
		counts[key]++
		count = counts[key]
		return s.writeJSON(undeliveredFile, counts)
	})
	return count, err
}

// SentOn returns the recipients already logged for schedule on day (2006-01-02).
func (s *Store) SentOn(schedule core.Schedule, day string) (map[string]bool, error) {
	sent := map[string]bool{}
	f, err := os.Open(s.path(sendLogFile))
	if errors.Is(err, os.ErrNotExist) {
		return sent, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening send log")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			continue
		}
		if fields[0] == string(schedule) && fields[1] == day {
			sent[normalizeEmail(fields[2])] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading send log")
	}
	return sent, nil
}

// RecordSend appends one delivered recipient to the send log.
func (s *Store) RecordSend(ctx context.Context, schedule core.Schedule, day, recipient string) error {
	return s.appendSendLog(ctx, fmt.Sprintf("%s %s %s\n", schedule, day, normalizeEmail(recipient)))
}

// EndSendRun appends the blank line that separates delivery runs.
func (s *Store) EndSendRun(ctx context.Context) error {
	return s.appendSendLog(ctx, "\n")
}

func (s *Store) appendSendLog(ctx context.Context, line string) error {
	return s.withLock(ctx, sendLogFile, func() error {
		f, err := os.OpenFile(s.path(sendLogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrap(err, "opening send log")
		}
		if _, err := f.WriteString(line); err != nil {
			_ = f.Close()
			return errors.Wrap(err, "appending to send log")
		}
		return errors.Wrap(f.Close(), "closing send log")
	})
}
