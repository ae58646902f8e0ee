// Package envelope derives the SMTP envelope (sender and flat recipient
// list) that accompanies a message to the delivery backend.
package envelope

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// Envelope is the sender and the ordered recipient list handed to the
// backend. It is independent of the message headers.
type Envelope struct {
	From string   `json:"from"`
	To   []string `json:"to"`
}

// ErrNoRecipients is returned when to, cc and bcc are all empty.
var ErrNoRecipients = errors.New("no recipients defined")

// AddressError reports an address field that could not be parsed.
type AddressError struct {
	Field string
	Value string
	Err   error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("envelope: invalid %s address %q: %v", e.Field, e.Value, e.Err)
}

func (e *AddressError) Unwrap() error { return e.Err }

// Resolve builds an envelope from the message address fields. Every entry
// of to, cc and bcc may itself be a comma separated list. Recipients are
// flattened in the order to, cc, bcc without deduplication; the sender is
// carried only in From.
func Resolve(from string, to, cc, bcc []string) (Envelope, error) {
	sender, err := parseSender(from)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{From: sender, To: []string{}}
	fields := []struct {
		name   string
		values []string
	}{
		{"to", to},
		{"cc", cc},
		{"bcc", bcc},
	}
	for _, f := range fields {
		for _, v := range f.values {
			addrs, err := ParseList(v)
			if err != nil {
				return Envelope{}, &AddressError{Field: f.name, Value: v, Err: err}
			}
			env.To = append(env.To, addrs...)
		}
	}

	if len(env.To) == 0 {
		return Envelope{}, &AddressError{Field: "to", Err: ErrNoRecipients}
	}
	return env, nil
}

// ParseList parses a comma separated address list and returns the bare
// addresses. An empty or blank string yields no addresses.
func ParseList(list string) ([]string, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	parsed, err := mail.ParseAddressList(list)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(parsed))
	for _, a := range parsed {
		out = append(out, a.Address)
	}
	return out, nil
}

func parseSender(from string) (string, error) {
	if strings.TrimSpace(from) == "" {
		return "", &AddressError{Field: "from", Value: from, Err: errors.New("sender is required")}
	}
	a, err := mail.ParseAddress(from)
	if err != nil {
		return "", &AddressError{Field: "from", Value: from, Err: err}
	}
	return a.Address, nil
}

// Domain returns the part of addr after the last '@', or "" when there is
// none.
func Domain(addr string) string {
	i := strings.LastIndex(addr, "@")
	if i < 0 {
		return ""
	}
	return addr[i+1:]
}

// Validate checks an explicit envelope supplied by the caller.
func (e Envelope) Validate() error {
	if _, err := parseSender(e.From); err != nil {
		return err
	}
	if len(e.To) == 0 {
		return &AddressError{Field: "to", Err: ErrNoRecipients}
	}
	for _, rcpt := range e.To {
		if _, err := mail.ParseAddress(rcpt); err != nil {
			return &AddressError{Field: "to", Value: rcpt, Err: err}
		}
	}
	return nil
}
