package deliverylog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sungwon/sesmailer/internal/transport"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("deliverylog: delivery not found")

// querier is the part of pgxpool.Pool the journal uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Entry is one row of the delivery log.
type Entry struct {
	ID          uuid.UUID  `json:"id"`
	Backend     string     `json:"backend"`
	Status      string     `json:"status"`
	MessageID   string     `json:"messageId,omitempty"`
	Response    string     `json:"response,omitempty"`
	Sender      string     `json:"from"`
	Recipients  []string   `json:"to"`
	Subject     string     `json:"subject"`
	ErrorKind   string     `json:"errorKind,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submittedAt"`
	AdmittedAt  *time.Time `json:"admittedAt,omitempty"`
	FinishedAt  time.Time  `json:"finishedAt"`
	DurationMS  int64      `json:"durationMs"`
}

// Summary counts deliveries by status.
type Summary struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// Journal implements transport.Journal on PostgreSQL.
type Journal struct {
	q querier
}

// NewJournal uses db's pool.
func NewJournal(db *DB) *Journal { return &Journal{q: db.Pool} }

const insertDelivery = `
INSERT INTO deliveries (
    id, backend, status, message_id, response, sender, recipients, subject,
    error_kind, error, submitted_at, admitted_at, finished_at, duration_ms
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO NOTHING`

// Record inserts one row for o. Replays of the same id are ignored.
func (j *Journal) Record(ctx context.Context, o transport.Outcome) error {
	id, err := uuid.Parse(o.ID)
	if err != nil {
		return fmt.Errorf("deliverylog: outcome id: %w", err)
	}
	e := entryFromOutcome(id, o)
	_, err = j.q.Exec(ctx, insertDelivery,
		e.ID, e.Backend, e.Status, nullable(e.MessageID), nullable(e.Response),
		e.Sender, e.Recipients, e.Subject, nullable(e.ErrorKind), nullable(e.Error),
		e.SubmittedAt, e.AdmittedAt, e.FinishedAt, e.DurationMS)
	if err != nil {
		return fmt.Errorf("deliverylog: insert: %w", err)
	}
	return nil
}

func entryFromOutcome(id uuid.UUID, o transport.Outcome) Entry {
	e := Entry{
		ID:          id,
		Backend:     o.Backend,
		Status:      "sent",
		Sender:      o.Envelope.From,
		Recipients:  o.Envelope.To,
		Subject:     o.Subject,
		SubmittedAt: o.SubmittedAt,
		FinishedAt:  o.FinishedAt,
	}
	if e.Recipients == nil {
		e.Recipients = []string{}
	}
	if !o.AdmittedAt.IsZero() {
		at := o.AdmittedAt
		e.AdmittedAt = &at
		e.DurationMS = o.FinishedAt.Sub(at).Milliseconds()
	}
	if o.Info != nil {
		e.MessageID = o.Info.MessageID
		e.Response = o.Info.Response
	}
	if o.Err != nil {
		e.Status = "failed"
		e.ErrorKind = transport.ErrorKind(o.Err)
		e.Error = o.Err.Error()
	}
	return e
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const selectDelivery = `
SELECT id, backend, status, COALESCE(message_id, ''), COALESCE(response, ''),
       sender, recipients, subject, COALESCE(error_kind, ''), COALESCE(error, ''),
       submitted_at, admitted_at, finished_at, duration_ms
FROM deliveries`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.Backend, &e.Status, &e.MessageID, &e.Response,
		&e.Sender, &e.Recipients, &e.Subject, &e.ErrorKind, &e.Error,
		&e.SubmittedAt, &e.AdmittedAt, &e.FinishedAt, &e.DurationMS)
	return e, err
}

// Get returns the row for a send id.
func (j *Journal) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	e, err := scanEntry(j.q.QueryRow(ctx, selectDelivery+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("deliverylog: get: %w", err)
	}
	return e, nil
}

// Recent returns up to limit rows, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.q.Query(ctx, selectDelivery+` ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("deliverylog: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("deliverylog: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summarize counts rows finished at or after since.
func (j *Journal) Summarize(ctx context.Context, since time.Time) (Summary, error) {
	var s Summary
	err := j.q.QueryRow(ctx, `
SELECT COUNT(*) FILTER (WHERE status = 'sent'), COUNT(*) FILTER (WHERE status = 'failed')
FROM deliveries WHERE finished_at >= $1`, since).Scan(&s.Sent, &s.Failed)
	if err != nil {
		return Summary{}, fmt.Errorf("deliverylog: summarize: %w", err)
	}
	return s, nil
}
