package deliverylog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sungwon/sesmailer/internal/backend"
	"github.com/sungwon/sesmailer/internal/envelope"
	"github.com/sungwon/sesmailer/internal/transport"
)

type execCall struct {
	sql  string
	args []any
}

type fakeQuerier struct {
	execs   []execCall
	execErr error
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func TestEntryFromOutcome_Sent(t *testing.T) {
	id := uuid.New()
	submitted := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	admitted := submitted.Add(10 * time.Millisecond)
	finished := admitted.Add(250 * time.Millisecond)

	e := entryFromOutcome(id, transport.Outcome{
		ID:          id.String(),
		Backend:     "ses.SendRawEmail",
		Envelope:    envelope.Envelope{From: "s@x.com", To: []string{"a@x.com", "b@x.com"}},
		Subject:     "hello",
		Info:        &transport.Info{MessageID: "<a@eu-west-1.amazonses.com>", Response: "a"},
		SubmittedAt: submitted,
		AdmittedAt:  admitted,
		FinishedAt:  finished,
	})

	if e.Status != "sent" {
		t.Errorf("expected status 'sent', got %q", e.Status)
	}
	if e.MessageID != "<a@eu-west-1.amazonses.com>" || e.Response != "a" {
		t.Errorf("unexpected ids %q %q", e.MessageID, e.Response)
	}
	if e.DurationMS != 250 {
		t.Errorf("expected 250ms, got %d", e.DurationMS)
	}
	if e.AdmittedAt == nil || !e.AdmittedAt.Equal(admitted) {
		t.Errorf("unexpected admitted_at %v", e.AdmittedAt)
	}
	if strings.Join(e.Recipients, ",") != "a@x.com,b@x.com" {
		t.Errorf("unexpected recipients %v", e.Recipients)
	}
}

func TestEntryFromOutcome_Failed(t *testing.T) {
	e := entryFromOutcome(uuid.New(), transport.Outcome{
		Backend:    "sesv2.SendEmail",
		Err:        &backend.DeliveryError{Backend: "sesv2.SendEmail", Code: "MessageRejected", Message: "not verified"},
		FinishedAt: time.Now(),
	})

	if e.Status != "failed" {
		t.Errorf("expected status 'failed', got %q", e.Status)
	}
	if e.ErrorKind != "delivery" {
		t.Errorf("expected kind 'delivery', got %q", e.ErrorKind)
	}
	if e.AdmittedAt != nil || e.DurationMS != 0 {
		t.Errorf("expected no admission data for an aborted message, got %v %d", e.AdmittedAt, e.DurationMS)
	}
	if e.Recipients == nil {
		t.Error("expected empty, non-nil recipients for the NOT NULL column")
	}
}

func TestJournal_Record(t *testing.T) {
	q := &fakeQuerier{}
	j := &Journal{q: q}
	id := uuid.New()

	err := j.Record(context.Background(), transport.Outcome{
		ID:         id.String(),
		Backend:    "ses.SendRawEmail",
		Envelope:   envelope.Envelope{From: "s@x.com", To: []string{"r@x.com"}},
		Info:       &transport.Info{MessageID: "<m@us-east-1.amazonses.com>", Response: "m"},
		FinishedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if len(q.execs) != 1 {
		t.Fatalf("expected 1 exec, got %d", len(q.execs))
	}
	args := q.execs[0].args
	if len(args) != 14 {
		t.Fatalf("expected 14 args, got %d", len(args))
	}
	if args[0] != id {
		t.Errorf("expected id %v, got %v", id, args[0])
	}
	if args[2] != "sent" {
		t.Errorf("expected status sent, got %v", args[2])
	}
	if p, ok := args[8].(*string); !ok || p != nil {
		t.Errorf("expected NULL error_kind, got %v", args[8])
	}
}

func TestJournal_RecordErrors(t *testing.T) {
	q := &fakeQuerier{execErr: errors.New("connection refused")}
	j := &Journal{q: q}

	if err := j.Record(context.Background(), transport.Outcome{ID: "not-a-uuid"}); err == nil {
		t.Error("expected error for malformed id")
	}
	if len(q.execs) != 0 {
		t.Error("expected no insert for malformed id")
	}

	err := j.Record(context.Background(), transport.Outcome{ID: uuid.NewString()})
	if !errors.Is(err, q.execErr) {
		t.Errorf("expected wrapped exec error, got %v", err)
	}
}
