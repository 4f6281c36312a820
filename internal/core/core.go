package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Schedule is the newsletter cadence.
type Schedule string

const (
	Daily  Schedule = "daily"
	Weekly Schedule = "weekly"
)

// ErrUnknownSchedule is returned by ParseSchedule for anything but daily or weekly.
var ErrUnknownSchedule = errors.New("unknown schedule")

// ParseSchedule validates a schedule name from the command line.
func ParseSchedule(s string) (Schedule, error) {
	switch Schedule(strings.ToLower(strings.TrimSpace(s))) {
	case Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	}
	return "", errors.Wrapf(ErrUnknownSchedule, "%q", s)
}

// DefaultLookback is how far back ingestion reaches when no watermark exists.
func (s Schedule) DefaultLookback() time.Duration {
	if s == Weekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// Period addresses every cached artifact of one issue.
type Period struct {
	Schedule Schedule
	ID       string    // 2006-01-02 for daily, 2006-W01 for weekly
	Date     time.Time // the day the period was derived from
}

// PeriodFor derives the period key of t for the given schedule.
func PeriodFor(s Schedule, t time.Time) Period {
	if s == Weekly {
		year, week := t.ISOWeek()
		return Period{Schedule: s, ID: fmt.Sprintf("%d-W%02d", year, week), Date: t}
	}
	return Period{Schedule: s, ID: t.Format("2006-01-02"), Date: t}
}

// Week returns the ISO week number of the period's date.
func (p Period) Week() int {
	_, week := p.Date.ISOWeek()
	return week
}

// DayIndex returns the weekday with Monday as 0.
func (p Period) DayIndex() int {
	return (int(p.Date.Weekday()) + 6) % 7
}

func (p Period) String() string {
	return string(p.Schedule) + "/" + p.ID
}

// RawSource is one ingested mailing-list message.
type RawSource struct {
	ID      string    `json:"id"` // sender + subject fragment
	Sender  string    `json:"sender"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
	Body    string    `json:"body"`
}

// Article is one curated news item. Field names are part of the cache format.
type Article struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Links   []string `json:"links"`
	Sources []string `json:"sources"`
}

// Bounds is the inclusive article-count window for a schedule.
type Bounds struct {
	Min int
	Max int
}

// Contains reports whether n articles fit the window.
func (b Bounds) Contains(n int) bool {
	return n >= b.Min && n <= b.Max
}

// VisualSelection pairs the illustrated article with the infographic article.
type VisualSelection struct {
	ImageArticleIndex       int    `json:"image_article_index"`
	ImageDescription        string `json:"image_description"`
	InfographicArticleIndex int    `json:"infographic_article_index"`
	InfographicDescription  string `json:"infographic_description"`
}

// ErrInvalidSelection marks a selection whose indices are out of range or equal.
var ErrInvalidSelection = errors.New("invalid visual selection")

// Validate checks the selection against an article set of length n.
func (v VisualSelection) Validate(n int) error {
	if v.ImageArticleIndex < 0 || v.ImageArticleIndex >= n {
		return errors.Wrapf(ErrInvalidSelection, "image index %d out of range [0,%d)", v.ImageArticleIndex, n)
	}
	if v.InfographicArticleIndex < 0 || v.InfographicArticleIndex >= n {
		return errors.Wrapf(ErrInvalidSelection, "infographic index %d out of range [0,%d)", v.InfographicArticleIndex, n)
	}
	if v.ImageArticleIndex == v.InfographicArticleIndex {
		return errors.Wrapf(ErrInvalidSelection, "image and infographic share index %d", v.ImageArticleIndex)
	}
	return nil
}

// Issue is a rendered newsletter as stored in the issues table.
type Issue struct {
	Schedule Schedule
	Title    string
	Sent     time.Time
	HTML     string
	ImageURL string
}

// EmailPlaceholder is replaced by the recipient address in every sent copy.
const EmailPlaceholder = "[EMAIL]"
