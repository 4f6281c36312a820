package persistence

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/rs/zerolog"

	"github.com/hpharmsen/ainews/internal/config"
)

// ErrSchema marks a database whose tables lack columns this program uses.
var ErrSchema = errors.New("database schema mismatch")

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// requiredColumns lists the columns read or written per table role.
var requiredColumns = map[string][]string{
	"issues":      {"schedule", "title", "sent", "text", "image_url"},
	"subscribers": {"email", "status"},
}

// PostgresDB gives access to the repositories
type PostgresDB struct {
	db          *sql.DB
	issues      IssueRepository
	subscribers SubscriberRepository
}

// NewPostgresDB connects, pings and verifies the schema.
func NewPostgresDB(ctx context.Context, cfg config.Database, loc *time.Location, log zerolog.Logger) (*PostgresDB, error) {
	if cfg.URL == "" {
		return nil, errors.WithHint(errors.New("no database configured"), "set DATABASE_URL")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "connecting to database")
	}

	p := newPostgresDB(db, cfg, loc, log)
	if err := p.CheckSchema(ctx, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func newPostgresDB(db *sql.DB, cfg config.Database, loc *time.Location, log zerolog.Logger) *PostgresDB {
	log = log.With().Str("component", "database").Logger()
	return &PostgresDB{
		db:          db,
		issues:      &postgresIssueRepo{db: db, table: cfg.IssuesTable, loc: loc, log: log},
		subscribers: &postgresSubscriberRepo{db: db, table: cfg.SubscribersTable, log: log},
	}
}

func (p *PostgresDB) Issues() IssueRepository           { return p.issues }
func (p *PostgresDB) Subscribers() SubscriberRepository { return p.subscribers }

func (p *PostgresDB) Close() error {
	return p.db.Close()
}

// CheckSchema verifies that both tables carry the columns used here.
func (p *PostgresDB) CheckSchema(ctx context.Context, cfg config.Database) error {
	tables := map[string]string{"issues": cfg.IssuesTable, "subscribers": cfg.SubscribersTable}
	for _, role := range []string{"issues", "subscribers"} {
		table := tables[role]
		query, args, err := psql.Select("column_name").
			From("information_schema.columns").
			Where(sq.Eq{"table_name": table}).
			ToSql()
		if err != nil {
			return errors.Wrap(err, "building schema query")
		}

		rows, err := p.db.QueryContext(ctx, query, args...)
		if err != nil {
			return errors.Wrapf(err, "reading columns of %s", table)
		}
		present := make(map[string]bool)
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				_ = rows.Close()
				return errors.Wrapf(err, "scanning columns of %s", table)
			}
			present[name] = true
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return errors.Wrapf(err, "reading columns of %s", table)
		}

		for _, column := range requiredColumns[role] {
			if !present[column] {
				return errors.Mark(errors.Newf("table %q has no column %q", table, column), ErrSchema)
			}
		}
	}
	return nil
}
