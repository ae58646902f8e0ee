package compose

import (
	"testing"
)

func TestParse_PlainTextOnly(t *testing.T) {
	raw := "From: sender@example.com\r\n" +
		"To: a@example.com, B <b@example.com>\r\n" +
		"Subject: Test Plain\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Hello, this is plain text."

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if msg.Subject != "Test Plain" {
		t.Errorf("expected subject 'Test Plain', got %q", msg.Subject)
	}
	if msg.Text != "Hello, this is plain text." {
		t.Errorf("unexpected text %q", msg.Text)
	}
	if len(msg.To) != 2 {
		t.Errorf("expected 2 recipients, got %v", msg.To)
	}
}

func TestParse_NoContentType(t *testing.T) {
	msg, err := Parse([]byte("Subject: x\r\n\r\nbody"))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if msg.Text != "body" {
		t.Errorf("expected 'body', got %q", msg.Text)
	}
}

func TestParse_Base64HTML(t *testing.T) {
	raw := "Content-Type: text/html\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"PGI+aGk8L2I+"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if msg.HTML != "<b>hi</b>" {
		t.Errorf("expected '<b>hi</b>', got %q", msg.HTML)
	}
}

func TestParse_InlineImage(t *testing.T) {
	raw := "Content-Type: multipart/related; boundary=rel\r\n" +
		"\r\n" +
		"--rel\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<img src=\"cid:logo\">\r\n" +
		"--rel\r\n" +
		"Content-Type: image/png\r\n" +
		"Content-Disposition: inline; filename=logo.png\r\n" +
		"Content-Id: <logo>\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"iVBORw==\r\n" +
		"--rel--\r\n"

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if !att.Inline || att.ContentID != "logo" || att.Filename != "logo.png" {
		t.Errorf("unexpected attachment %+v", att)
	}
}

func TestParse_CustomHeaders(t *testing.T) {
	raw := "From: s@x.com\r\nX-Campaign: spring\r\n\r\nhi"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if msg.Headers["X-Campaign"] != "spring" {
		t.Errorf("expected X-Campaign header, got %v", msg.Headers)
	}
	if _, ok := msg.Headers["From"]; ok {
		t.Error("managed header copied into Headers")
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("Content-Type: multipart/mixed\r\n\r\nbody")); err == nil {
		t.Error("expected error for multipart without boundary")
	}
}
