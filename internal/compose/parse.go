package compose

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

var wordDecoder = new(mime.WordDecoder)

// Parse reads a raw RFC 5322 message back into a Message. Address headers
// are kept as written; the first text/plain and text/html parts fill Text
// and HTML and every other leaf part becomes an attachment.
func Parse(raw []byte) (*Message, error) {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("compose: read message: %w", err)
	}

	out := &Message{
		From:      m.Header.Get("From"),
		To:        splitHeader(m.Header.Get("To")),
		Cc:        splitHeader(m.Header.Get("Cc")),
		Bcc:       splitHeader(m.Header.Get("Bcc")),
		ReplyTo:   m.Header.Get("Reply-To"),
		MessageID: m.Header.Get("Message-Id"),
	}
	if subj, err := wordDecoder.DecodeHeader(m.Header.Get("Subject")); err == nil {
		out.Subject = subj
	} else {
		out.Subject = m.Header.Get("Subject")
	}
	if d, err := m.Header.Date(); err == nil {
		out.Date = d
	}
	for k, v := range m.Header {
		if managedHeaders[k] || len(v) == 0 {
			continue
		}
		if out.Headers == nil {
			out.Headers = make(map[string]string)
		}
		out.Headers[k] = v[0]
	}

	contentType := m.Header.Get("Content-Type")
	cte := m.Header.Get("Content-Transfer-Encoding")
	if contentType == "" {
		body, err := decodeBody(m.Body, cte)
		if err != nil {
			return nil, fmt.Errorf("compose: read body: %w", err)
		}
		out.Text = string(body)
		return out, nil
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("compose: parse content-type: %w", err)
	}
	if strings.HasPrefix(mediaType, "multipart/") {
		if params["boundary"] == "" {
			return nil, fmt.Errorf("compose: multipart message missing boundary")
		}
		if err := walkParts(m.Body, params["boundary"], out); err != nil {
			return nil, err
		}
		return out, nil
	}

	body, err := decodeBody(m.Body, cte)
	if err != nil {
		return nil, fmt.Errorf("compose: read body: %w", err)
	}
	if mediaType == "text/html" {
		out.HTML = string(body)
	} else {
		out.Text = string(body)
	}
	return out, nil
}

func walkParts(r io.Reader, boundary string, out *Message) error {
	mr := multipart.NewReader(r, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("compose: next part: %w", err)
		}

		mediaType := "text/plain"
		var params map[string]string
		if ct := part.Header.Get("Content-Type"); ct != "" {
			mediaType, params, err = mime.ParseMediaType(ct)
			if err != nil {
				mediaType = "application/octet-stream"
			}
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if params["boundary"] == "" {
				continue
			}
			if err := walkParts(part, params["boundary"], out); err != nil {
				return err
			}
			continue
		}

		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return fmt.Errorf("compose: read part: %w", err)
		}

		disposition, dparams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		isAttachment := disposition == "attachment" || dparams["filename"] != ""
		switch {
		case !isAttachment && mediaType == "text/plain" && out.Text == "":
			out.Text = string(body)
		case !isAttachment && mediaType == "text/html" && out.HTML == "":
			out.HTML = string(body)
		default:
			filename := dparams["filename"]
			if filename == "" {
				filename = params["name"]
			}
			out.Attachments = append(out.Attachments, Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Content:     body,
				ContentID:   strings.Trim(part.Header.Get("Content-Id"), "<>"),
				Inline:      strings.EqualFold(disposition, "inline"),
			})
		}
	}
}

func decodeBody(r io.Reader, cte string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		return io.ReadAll(base64.NewDecoder(base64.StdEncoding, r))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

func splitHeader(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(v)
	if err != nil {
		return []string{v}
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}
