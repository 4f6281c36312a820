package persistence

import (
	"context"
	"database/sql"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/hpharmsen/ainews/internal/core"
)

type postgresIssueRepo struct {
	db    *sql.DB
	table string
	loc   *time.Location
	log   zerolog.Logger
}

func (r *postgresIssueRepo) Replace(ctx context.Context, issue core.Issue) error {
	start, end := dayRange(issue.Sent, r.loc)

	deleteQuery, deleteArgs, err := psql.Delete(r.table).
		Where(sq.Eq{"schedule": string(issue.Schedule)}).
		Where(sq.GtOrEq{"sent": start}).
		Where(sq.Lt{"sent": end}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "building delete")
	}
	insertQuery, insertArgs, err := psql.Insert(r.table).
		Columns("schedule", "title", "sent", "text", "image_url").
		Values(string(issue.Schedule), issue.Title, issue.Sent, issue.HTML, issue.ImageURL).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "building insert")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "starting transaction")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, deleteQuery, deleteArgs...)
	if err != nil {
		return errors.Wrap(err, "deleting issue of the same day")
	}
	if _, err := tx.ExecContext(ctx, insertQuery, insertArgs...); err != nil {
		return errors.Wrap(err, "inserting issue")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing issue")
	}

	replaced, _ := res.RowsAffected()
	r.log.Info().Str("schedule", string(issue.Schedule)).Time("day", start).Int64("replaced", replaced).Msg("Stored issue")
	return nil
}

func (r *postgresIssueRepo) RecentBodies(ctx context.Context, schedule core.Schedule, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	query, args, err := psql.Select("text").
		From(r.table).
		Where(sq.Eq{"schedule": string(schedule)}).
		OrderBy("sent DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building query")
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying recent issues")
	}
	defer func() { _ = rows.Close() }()

	var bodies []string
	for rows.Next() {
		var body sql.NullString
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, "scanning issue")
		}
		if body.Valid {
			bodies = append(bodies, body.String)
		}
	}
	return bodies, errors.Wrap(rows.Err(), "reading recent issues")
}

type postgresSubscriberRepo struct {
	db    *sql.DB
	table string
	log   zerolog.Logger
}

func (r *postgresSubscriberRepo) Active(ctx context.Context, schedule core.Schedule) ([]string, error) {
	query, args, err := psql.Select("email").
		From(r.table).
		Where(sq.Eq{"status": string(schedule)}).
		Where(sq.NotEq{"email": nil}).
		OrderBy("email").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building query")
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying subscribers")
	}
	defer func() { _ = rows.Close() }()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, errors.Wrap(err, "scanning subscriber")
		}
		if email = strings.TrimSpace(email); email != "" {
			emails = append(emails, email)
		}
	}
	return emails, errors.Wrap(rows.Err(), "reading subscribers")
}

func (r *postgresSubscriberRepo) MarkUndeliverable(ctx context.Context, email string) error {
	query, args, err := psql.Update(r.table).
		Set("status", StatusUndeliverable).
		Where(sq.Expr("lower(email) = ?", strings.ToLower(strings.TrimSpace(email)))).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "building update")
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "marking %s undeliverable", email)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.log.Warn().Str("email", email).Msg("No subscriber to mark undeliverable")
	}
	return nil
}
