package smtp

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/sungwon/sesmailer/internal/auth"
	"github.com/sungwon/sesmailer/internal/backend"
	"github.com/sungwon/sesmailer/internal/envelope"
	"github.com/sungwon/sesmailer/internal/transport"
)

const testRaw = "From: sender@example.com\r\nTo: a@example.com\r\nSubject: hi\r\n\r\nbody\r\n"

type mockSender struct {
	got *transport.Message
	err error
}

func (m *mockSender) Send(_ context.Context, msg *transport.Message) (*transport.Info, error) {
	m.got = msg
	if m.err != nil {
		return nil, m.err
	}
	return &transport.Info{
		Envelope:  *msg.Envelope,
		MessageID: "<ack-1@us-east-1.amazonses.com>",
		Response:  "ack-1",
	}, nil
}

func testCredentials(t *testing.T) auth.Credentials {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-password"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	return auth.Credentials{Username: "testuser", PasswordHash: string(hash)}
}

func newTestSession(t *testing.T, sender Sender, opts Options) *Session {
	t.Helper()
	b := NewBackend(sender, opts, zerolog.Nop())
	b.active.Add(1)
	return b.newSession("127.0.0.1:0")
}

// authenticateSession runs the SASL PLAIN flow via AuthMechanisms + Auth.
func authenticateSession(t *testing.T, s *Session, username, password string) error {
	t.Helper()

	mechs := s.AuthMechanisms()
	if len(mechs) != 1 || mechs[0] != sasl.Plain {
		t.Fatalf("expected [PLAIN], got %v", mechs)
	}
	server, err := s.Auth(sasl.Plain)
	if err != nil {
		t.Fatalf("Auth(PLAIN) returned error: %v", err)
	}
	_, done, err := server.Next([]byte("\x00" + username + "\x00" + password))
	if err != nil {
		return err
	}
	if !done {
		t.Fatal("expected SASL exchange to be done after one step")
	}
	return nil
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var se *gosmtp.SMTPError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SMTPError, got %v", err)
	}
	return se.Code
}

func TestSession_Auth(t *testing.T) {
	creds := testCredentials(t)

	s := newTestSession(t, &mockSender{}, Options{Credentials: creds})
	if err := authenticateSession(t, s, "testuser", "correct-password"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !s.authenticated {
		t.Error("expected session to be authenticated")
	}

	s = newTestSession(t, &mockSender{}, Options{Credentials: creds})
	if err := authenticateSession(t, s, "testuser", "wrong-password"); err == nil {
		t.Fatal("expected error for invalid password")
	} else if code := smtpCode(t, err); code != 535 {
		t.Errorf("expected 535, got %d", code)
	}

	s = newTestSession(t, &mockSender{}, Options{Credentials: creds})
	if err := authenticateSession(t, s, "someone", "correct-password"); err == nil {
		t.Fatal("expected error for unknown user")
	}
	if s.authenticated {
		t.Error("expected session to stay unauthenticated")
	}

	if _, err := s.Auth("LOGIN"); err == nil {
		t.Fatal("expected error for unsupported mechanism")
	}
}

func TestSession_NoCredentialsConfigured(t *testing.T) {
	s := newTestSession(t, &mockSender{}, Options{})
	if mechs := s.AuthMechanisms(); len(mechs) != 0 {
		t.Errorf("expected no mechanisms, got %v", mechs)
	}
	if err := s.Mail("sender@example.com", nil); err != nil {
		t.Errorf("expected open relay to accept MAIL, got %v", err)
	}
}

func TestSession_RequiresAuth(t *testing.T) {
	s := newTestSession(t, &mockSender{}, Options{Credentials: testCredentials(t)})
	if code := smtpCode(t, s.Mail("sender@example.com", nil)); code != 530 {
		t.Errorf("expected 530 on MAIL, got %d", code)
	}
	if code := smtpCode(t, s.Rcpt("a@example.com", nil)); code != 530 {
		t.Errorf("expected 530 on RCPT, got %d", code)
	}
	if code := smtpCode(t, s.Data(strings.NewReader(testRaw))); code != 530 {
		t.Errorf("expected 530 on DATA, got %d", code)
	}
}

func TestSession_DataSendsWithEnvelope(t *testing.T) {
	sender := &mockSender{}
	s := newTestSession(t, sender, Options{})

	if err := s.Mail("Sender <sender@example.com>", nil); err != nil {
		t.Fatalf("Mail() error: %v", err)
	}
	for _, rcpt := range []string{"a@example.com", "b@example.com", "a@example.com"} {
		if err := s.Rcpt(rcpt, nil); err != nil {
			t.Fatalf("Rcpt(%s) error: %v", rcpt, err)
		}
	}

	err := s.Data(strings.NewReader(testRaw))
	if code := smtpCode(t, err); code != 250 {
		t.Fatalf("expected 250, got %d", code)
	}
	if !strings.Contains(err.Error(), "<ack-1@us-east-1.amazonses.com>") {
		t.Errorf("expected message id in reply, got %q", err.Error())
	}

	if sender.got == nil {
		t.Fatal("expected message to be sent")
	}
	want := envelope.Envelope{From: "sender@example.com", To: []string{"a@example.com", "b@example.com", "a@example.com"}}
	got := *sender.got.Envelope
	if got.From != want.From || strings.Join(got.To, ",") != strings.Join(want.To, ",") {
		t.Errorf("expected envelope %+v, got %+v", want, got)
	}
	if string(sender.got.Raw) != testRaw {
		t.Errorf("expected raw message to pass through unchanged")
	}

	s.Reset()
	if s.from != "" || s.recipients != nil {
		t.Error("expected Reset to clear the envelope")
	}
}

func TestSession_RcptChecks(t *testing.T) {
	s := newTestSession(t, &mockSender{}, Options{MaxRecipients: 2})

	if code := smtpCode(t, s.Rcpt("a@example.com", nil)); code != 503 {
		t.Errorf("expected 503 before MAIL, got %d", code)
	}
	if err := s.Mail("sender@example.com", nil); err != nil {
		t.Fatalf("Mail() error: %v", err)
	}
	if code := smtpCode(t, s.Rcpt("not an address", nil)); code != 550 {
		t.Errorf("expected 550 for bad address, got %d", code)
	}
	_ = s.Rcpt("a@example.com", nil)
	_ = s.Rcpt("b@example.com", nil)
	if code := smtpCode(t, s.Rcpt("c@example.com", nil)); code != 452 {
		t.Errorf("expected 452 over the limit, got %d", code)
	}
	if len(s.recipients) != 2 {
		t.Errorf("expected 2 recipients, got %d", len(s.recipients))
	}
}

func TestSession_MailRejectsNullSender(t *testing.T) {
	s := newTestSession(t, &mockSender{}, Options{})
	if code := smtpCode(t, s.Mail("", nil)); code != 550 {
		t.Errorf("expected 550, got %d", code)
	}
}

func TestSession_DataWithoutRecipients(t *testing.T) {
	s := newTestSession(t, &mockSender{}, Options{})
	_ = s.Mail("sender@example.com", nil)
	if code := smtpCode(t, s.Data(strings.NewReader(testRaw))); code != 503 {
		t.Errorf("expected 503, got %d", code)
	}
}

func TestSession_DataErrorReplies(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"submission", &transport.SubmissionError{Reason: "invalid envelope"}, 554},
		{"permanent", &backend.DeliveryError{Backend: "ses", Code: "MessageRejected", Permanent: true}, 554},
		{"throttled", &backend.DeliveryError{Backend: "ses", Code: "Throttling"}, 451},
		{"closed", transport.ErrClosed, 451},
		{"timeout", context.DeadlineExceeded, 451},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, &mockSender{err: tt.err}, Options{})
			_ = s.Mail("sender@example.com", nil)
			_ = s.Rcpt("a@example.com", nil)
			if code := smtpCode(t, s.Data(strings.NewReader(testRaw))); code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}

func TestBackend_ConnectionLimit(t *testing.T) {
	b := NewBackend(&mockSender{}, Options{MaxConnections: 1}, zerolog.Nop())
	b.active.Add(1)

	if _, err := b.NewSession(nil); err == nil {
		t.Fatal("expected connection limit error")
	} else if code := smtpCode(t, err); code != 421 {
		t.Errorf("expected 421, got %d", code)
	}
	if b.ActiveSessions() != 1 {
		t.Errorf("expected counter to be restored to 1, got %d", b.ActiveSessions())
	}

	_ = gosmtp.NewServer(b)
}

func TestSession_Logout(t *testing.T) {
	b := NewBackend(&mockSender{}, Options{}, zerolog.Nop())
	sess, err := b.NewSession(nil)
	if err != nil {
		t.Fatalf("NewSession() error: %v", err)
	}
	if b.ActiveSessions() != 1 {
		t.Errorf("expected 1 active session, got %d", b.ActiveSessions())
	}
	_ = sess.Logout()
	if b.ActiveSessions() != 0 {
		t.Errorf("expected 0 active sessions, got %d", b.ActiveSessions())
	}
}
