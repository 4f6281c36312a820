// Package persistence stores sent issues and reads the subscriber list from
// the newsletter's Postgres database.
package persistence

import (
	"context"
	"time"

	"github.com/hpharmsen/ainews/internal/core"
)

// Subscriber statuses. daily and weekly are active; undeliverable is terminal.
const (
	StatusDaily         = "daily"
	StatusWeekly        = "weekly"
	StatusUndeliverable = "undeliverable"
)

// IssueRepository handles sent newsletter persistence
type IssueRepository interface {
	// Replace stores issue, removing any issue of the same schedule sent on
	// the same calendar day.
	Replace(ctx context.Context, issue core.Issue) error

	// RecentBodies returns the HTML of the latest issues of schedule, newest first.
	RecentBodies(ctx context.Context, schedule core.Schedule, limit int) ([]string, error)
}

// SubscriberRepository handles subscriber lookups and lifecycle changes
type SubscriberRepository interface {
	// Active returns the addresses subscribed to schedule.
	Active(ctx context.Context, schedule core.Schedule) ([]string, error)

	// MarkUndeliverable takes the address out of rotation.
	MarkUndeliverable(ctx context.Context, email string) error
}

// dayRange returns the start of t's calendar day in loc and the start of the next.
func dayRange(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
