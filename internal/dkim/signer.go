// Package dkim signs outbound messages before they are handed to SES.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"
)

const (
	crlf          = "\r\n"
	foldWidth     = 72
	tagSeparators = "; \t\r\n"
)

var foldingSpace = regexp.MustCompile(`[ \t\r\n]+`)

// SignedHeaders is the ordered list of header fields covered by every
// signature. Date and Message-ID are left out since SES rewrites them.
var SignedHeaders = []string{
	"from",
	"subject",
	"to",
	"cc",
	"mime-version",
	"content-type",
}

// Config carries the signing identity. PrivateKey holds PEM text and wins
// over PrivateKeyPath.
type Config struct {
	DomainName     string `mapstructure:"domain_name" json:"domainName"`
	KeySelector    string `mapstructure:"key_selector" json:"keySelector"`
	PrivateKey     string `mapstructure:"private_key" json:"-"`
	PrivateKeyPath string `mapstructure:"private_key_path" json:"privateKeyPath"`
}

// Enabled reports whether any DKIM option has been set.
func (c Config) Enabled() bool {
	return c.DomainName != "" || c.KeySelector != "" || c.PrivateKey != "" || c.PrivateKeyPath != ""
}

// ConfigError reports unusable signing material.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("dkim: invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Signer applies a DKIM-Signature header to raw messages.
type Signer struct {
	domain   string
	selector string
	algo     string
	key      crypto.Signer
	now      func() time.Time
}

// New validates cfg and loads the private key.
func New(cfg Config) (*Signer, error) {
	domain := strings.ToLower(strings.TrimSpace(cfg.DomainName))
	selector := strings.TrimSpace(cfg.KeySelector)
	if domain == "" {
		return nil, &ConfigError{Field: "domain_name", Err: errors.New("required")}
	}
	if strings.ContainsAny(domain, tagSeparators) {
		return nil, &ConfigError{Field: "domain_name", Err: errors.New("contains whitespace or ';'")}
	}
	if selector == "" {
		return nil, &ConfigError{Field: "key_selector", Err: errors.New("required")}
	}
	if strings.ContainsAny(selector, tagSeparators) {
		return nil, &ConfigError{Field: "key_selector", Err: errors.New("contains whitespace or ';'")}
	}

	var pemData []byte
	switch {
	case cfg.PrivateKey != "":
		pemData = []byte(cfg.PrivateKey)
	case cfg.PrivateKeyPath != "":
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, &ConfigError{Field: "private_key_path", Err: err}
		}
		pemData = data
	default:
		return nil, &ConfigError{Field: "private_key", Err: errors.New("required")}
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, &ConfigError{Field: "private_key", Err: err}
	}

	var algo string
	switch key.Public().(type) {
	case *rsa.PublicKey:
		algo = "rsa"
	case ed25519.PublicKey:
		algo = "ed25519"
	default:
		return nil, &ConfigError{Field: "private_key", Err: fmt.Errorf("unsupported key type %T", key.Public())}
	}

	return &Signer{domain: domain, selector: selector, algo: algo, key: key, now: time.Now}, nil
}

// Domain returns the signing domain (d=).
func (s *Signer) Domain() string { return s.domain }

// Selector returns the key selector (s=).
func (s *Signer) Selector() string { return s.selector }

// Sign returns message with a DKIM-Signature header prepended. Bare LF line
// endings are converted to CRLF first so the signed bytes are the bytes SES
// receives.
//
// Tags are laid out one group per line with h= on a line of its own, so the
// signed header list always appears unbroken in the output.
func (s *Signer) Sign(message []byte) ([]byte, error) {
	message = normalizeLineEndings(message)

	bh, err := s.bodyHash(message)
	if err != nil {
		return nil, fmt.Errorf("dkim: sign: %w", err)
	}

	fields := headerFields(message)
	t := s.now().Unix()

	hasher := sha256.New()
	for _, k := range SignedHeaders {
		if kv := lastField(fields, k); kv != "" {
			io.WriteString(hasher, relaxedHeader(kv))
		}
	}
	io.WriteString(hasher, strings.TrimRight(relaxedHeader(s.signatureField(t, bh, "")), crlf))

	opts := crypto.SignerOpts(crypto.SHA256)
	if s.algo == "ed25519" {
		opts = crypto.Hash(0)
	}
	sig, err := s.key.Sign(rand.Reader, hasher.Sum(nil), opts)
	if err != nil {
		return nil, fmt.Errorf("dkim: sign: %w", err)
	}

	field := s.signatureField(t, bh, base64.StdEncoding.EncodeToString(sig))
	out := make([]byte, 0, len(field)+len(message))
	out = append(out, field...)
	return append(out, message...), nil
}

// bodyHash runs the library signer with a key that skips the private key
// operation and returns its relaxed body hash (bh=).
func (s *Signer) bodyHash(message []byte) (string, error) {
	hs, err := msgauthdkim.NewSigner(&msgauthdkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 digestOnly{s.key},
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             SignedHeaders,
	})
	if err != nil {
		return "", err
	}
	if _, err := hs.Write(message); err != nil {
		hs.Close()
		return "", err
	}
	if err := hs.Close(); err != nil {
		return "", err
	}

	for _, tag := range strings.Split(stripSpace(hs.Signature()), ";") {
		if v, ok := strings.CutPrefix(tag, "bh="); ok {
			return v, nil
		}
	}
	return "", errors.New("body hash missing")
}

func (s *Signer) signatureField(t int64, bh, b string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "DKIM-Signature: v=1; a=%s-sha256; c=relaxed/relaxed; d=%s; s=%s;%s", s.algo, s.domain, s.selector, crlf)
	fmt.Fprintf(&sb, "\tt=%d; bh=%s;%s", t, bh, crlf)
	sb.WriteString("\th=" + strings.Join(SignedHeaders, ":") + ";" + crlf)
	sb.WriteString("\tb=")
	for len(b) > foldWidth {
		sb.WriteString(b[:foldWidth] + crlf + "\t")
		b = b[foldWidth:]
	}
	sb.WriteString(b + crlf)
	return sb.String()
}

type digestOnly struct{ crypto.Signer }

func (digestOnly) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) { return nil, nil }

// headerFields splits the header section into fields, keeping continuation
// lines and the trailing CRLF of each field.
func headerFields(message []byte) []string {
	var fields []string
	for len(message) > 0 {
		line := message
		next := []byte(nil)
		if i := bytes.Index(message, []byte(crlf)); i >= 0 {
			line, next = message[:i+2], message[i+2:]
		}
		if len(bytes.TrimRight(line, crlf)) == 0 {
			break
		}
		if len(fields) > 0 && (line[0] == ' ' || line[0] == '\t') {
			fields[len(fields)-1] += string(line)
		} else {
			fields = append(fields, string(line))
		}
		message = next
	}
	return fields
}

// lastField returns the bottom-most instance of the named field.
func lastField(fields []string, key string) string {
	for i := len(fields) - 1; i >= 0; i-- {
		k, _, _ := strings.Cut(fields[i], ":")
		if strings.EqualFold(strings.TrimSpace(k), key) {
			return fields[i]
		}
	}
	return ""
}

func relaxedHeader(kv string) string {
	k, v, _ := strings.Cut(kv, ":")
	v = strings.TrimSpace(foldingSpace.ReplaceAllString(v, " "))
	return strings.ToLower(strings.TrimSpace(k)) + ":" + v + crlf
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			return nil, errors.New("no private key found in PEM data")
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("unsupported key type %T", key)
			}
			return signer, nil
		}
		pemData = rest
	}
}

func normalizeLineEndings(data []byte) []byte {
	if !bytes.Contains(data, []byte("\n")) {
		return data
	}
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
}
