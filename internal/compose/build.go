package compose

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sungwon/sesmailer/internal/envelope"
)

// ErrHeaderInjection is returned when a header value contains a line break.
var ErrHeaderInjection = errors.New("compose: header value contains line break")

// managedHeaders are written by Build and cannot be overridden through
// Message.Headers.
var managedHeaders = map[string]bool{
	"From":                      true,
	"To":                        true,
	"Cc":                        true,
	"Bcc":                       true,
	"Reply-To":                  true,
	"Subject":                   true,
	"Message-Id":                true,
	"Date":                      true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
}

// Build renders msg as a CRLF terminated RFC 5322 message. Bcc recipients
// never appear in the output. A missing Message-ID or Date is generated.
func Build(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("compose: nil message")
	}

	from, err := formatList([]string{msg.From})
	if err != nil {
		return nil, fmt.Errorf("compose: from: %w", err)
	}
	to, err := formatList(msg.To)
	if err != nil {
		return nil, fmt.Errorf("compose: to: %w", err)
	}
	cc, err := formatList(msg.Cc)
	if err != nil {
		return nil, fmt.Errorf("compose: cc: %w", err)
	}
	replyTo, err := formatList([]string{msg.ReplyTo})
	if err != nil {
		return nil, fmt.Errorf("compose: reply-to: %w", err)
	}

	body, contentType, cte, err := renderBody(msg)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	h := headerWriter{buf: &buf}
	h.add("From", from)
	h.add("To", to)
	h.add("Cc", cc)
	h.add("Reply-To", replyTo)
	h.add("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	h.add("Message-ID", messageID(msg))
	h.add("Date", dateOf(msg).Format(time.RFC1123Z))
	h.add("MIME-Version", "1.0")
	h.add("Content-Type", contentType)
	h.add("Content-Transfer-Encoding", cte)

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if managedHeaders[textproto.CanonicalMIMEHeaderKey(k)] {
			continue
		}
		h.add(k, msg.Headers[k])
	}
	if h.err != nil {
		return nil, h.err
	}

	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

type headerWriter struct {
	buf *bytes.Buffer
	err error
}

func (h *headerWriter) add(key, value string) {
	if value == "" || h.err != nil {
		return
	}
	if strings.ContainsAny(value, "\r\n") || strings.ContainsAny(key, "\r\n: ") {
		h.err = fmt.Errorf("%w: %s", ErrHeaderInjection, key)
		return
	}
	h.buf.WriteString(key)
	h.buf.WriteString(": ")
	h.buf.WriteString(value)
	h.buf.WriteString("\r\n")
}

func formatList(values []string) (string, error) {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		addrs, err := mail.ParseAddressList(v)
		if err != nil {
			return "", err
		}
		for _, a := range addrs {
			out = append(out, a.String())
		}
	}
	return strings.Join(out, ", "), nil
}

func messageID(msg *Message) string {
	if msg.MessageID != "" {
		id := strings.TrimSpace(msg.MessageID)
		if !strings.HasPrefix(id, "<") {
			id = "<" + id + ">"
		}
		return id
	}
	domain := "localhost"
	if a, err := mail.ParseAddress(msg.From); err == nil {
		if d := envelope.Domain(a.Address); d != "" {
			domain = d
		}
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

func dateOf(msg *Message) time.Time {
	if msg.Date.IsZero() {
		return time.Now()
	}
	return msg.Date
}

// renderBody returns the encoded body with its top level Content-Type and
// Content-Transfer-Encoding. cte is empty for multipart bodies.
func renderBody(msg *Message) (body []byte, contentType, cte string, err error) {
	if len(msg.Attachments) == 0 {
		return renderText(msg)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	inner, innerType, innerCTE, err := renderText(msg)
	if err != nil {
		return nil, "", "", err
	}
	if err := writePart(mw, innerType, innerCTE, nil, inner); err != nil {
		return nil, "", "", err
	}

	for i := range msg.Attachments {
		if err := writeAttachment(mw, &msg.Attachments[i]); err != nil {
			return nil, "", "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", "", err
	}
	return buf.Bytes(), "multipart/mixed; boundary=" + mw.Boundary(), "", nil
}

func renderText(msg *Message) ([]byte, string, string, error) {
	switch {
	case msg.Text != "" && msg.HTML != "":
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		if err := writeQP(mw, "text/plain; charset=utf-8", msg.Text); err != nil {
			return nil, "", "", err
		}
		if err := writeQP(mw, "text/html; charset=utf-8", msg.HTML); err != nil {
			return nil, "", "", err
		}
		if err := mw.Close(); err != nil {
			return nil, "", "", err
		}
		return buf.Bytes(), "multipart/alternative; boundary=" + mw.Boundary(), "", nil
	case msg.HTML != "":
		b, err := encodeQP(msg.HTML)
		return b, "text/html; charset=utf-8", "quoted-printable", err
	default:
		b, err := encodeQP(msg.Text)
		return b, "text/plain; charset=utf-8", "quoted-printable", err
	}
}

func writeQP(mw *multipart.Writer, contentType, text string) error {
	b, err := encodeQP(text)
	if err != nil {
		return err
	}
	return writePart(mw, contentType, "quoted-printable", nil, b)
}

func writePart(mw *multipart.Writer, contentType, cte string, extra textproto.MIMEHeader, body []byte) error {
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Type", contentType)
	if cte != "" {
		hdr.Set("Content-Transfer-Encoding", cte)
	}
	for k, v := range extra {
		hdr[k] = v
	}
	pw, err := mw.CreatePart(hdr)
	if err != nil {
		return fmt.Errorf("compose: create part: %w", err)
	}
	_, err = pw.Write(body)
	return err
}

func writeAttachment(mw *multipart.Writer, att *Attachment) error {
	content := att.Content
	if content == nil && att.Path != "" {
		data, err := os.ReadFile(att.Path)
		if err != nil {
			return fmt.Errorf("compose: read attachment %q: %w", att.Path, err)
		}
		content = data
	}

	filename := att.Filename
	if filename == "" && att.Path != "" {
		filename = filepath.Base(att.Path)
	}

	ct := att.ContentType
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(filename))
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	if filename != "" {
		ct = mime.FormatMediaType(strings.SplitN(ct, ";", 2)[0], map[string]string{"name": filename})
	}

	disposition := "attachment"
	if att.Inline {
		disposition = "inline"
	}
	extra := textproto.MIMEHeader{}
	if filename != "" {
		extra.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": filename}))
	} else {
		extra.Set("Content-Disposition", disposition)
	}
	if att.ContentID != "" {
		extra.Set("Content-Id", "<"+strings.Trim(att.ContentID, "<>")+">")
	}

	return writePart(mw, ct, "base64", extra, encodeBase64(content))
}

func encodeQP(text string) ([]byte, error) {
	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	if _, err := w.Write([]byte(text)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeBase64 wraps encoded output at 76 columns.
func encodeBase64(data []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(data)
	var buf bytes.Buffer
	for len(enc) > 76 {
		buf.WriteString(enc[:76])
		buf.WriteString("\r\n")
		enc = enc[76:]
	}
	buf.WriteString(enc)
	buf.WriteString("\r\n")
	return buf.Bytes()
}
