package envelope

import (
	"errors"
	"reflect"
	"testing"
)

func TestResolve_FlattensToThenCc(t *testing.T) {
	env, err := Resolve(
		"test@valid.sender",
		[]string{"test@valid.recipient", "a@x.com, b@x.com"},
		[]string{"c@x.com"},
		nil,
	)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if env.From != "test@valid.sender" {
		t.Errorf("expected from 'test@valid.sender', got %q", env.From)
	}
	want := []string{"test@valid.recipient", "a@x.com", "b@x.com", "c@x.com"}
	if !reflect.DeepEqual(env.To, want) {
		t.Errorf("expected %v, got %v", want, env.To)
	}
}

func TestResolve_KeepsDuplicates(t *testing.T) {
	env, err := Resolve("s@x.com", []string{"a@x.com"}, []string{"a@x.com"}, nil)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if len(env.To) != 2 {
		t.Errorf("expected 2 recipients, got %v", env.To)
	}
}

func TestResolve_SenderNotAddedToRecipients(t *testing.T) {
	env, err := Resolve("Sender <s@x.com>", []string{"r@x.com"}, nil, nil)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if env.From != "s@x.com" {
		t.Errorf("expected bare sender, got %q", env.From)
	}
	for _, r := range env.To {
		if r == "s@x.com" {
			t.Error("sender must not appear in recipients")
		}
	}
}

func TestResolve_BccAppendedLast(t *testing.T) {
	env, err := Resolve("s@x.com", []string{"to@x.com"}, []string{"cc@x.com"}, []string{"bcc@x.com"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	want := []string{"to@x.com", "cc@x.com", "bcc@x.com"}
	if !reflect.DeepEqual(env.To, want) {
		t.Errorf("expected %v, got %v", want, env.To)
	}
}

func TestResolve_DisplayNames(t *testing.T) {
	env, err := Resolve("s@x.com", []string{`"Doe, Jane" <jane@x.com>, John <john@x.com>`}, nil, nil)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	want := []string{"jane@x.com", "john@x.com"}
	if !reflect.DeepEqual(env.To, want) {
		t.Errorf("expected %v, got %v", want, env.To)
	}
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name  string
		from  string
		to    []string
		field string
	}{
		{"missing sender", "", []string{"a@x.com"}, "from"},
		{"bad sender", "not an address", []string{"a@x.com"}, "from"},
		{"bad recipient", "s@x.com", []string{"@@"}, "to"},
		{"no recipients", "s@x.com", nil, "to"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.from, tt.to, nil, nil)
			var ae *AddressError
			if !errors.As(err, &ae) {
				t.Fatalf("expected *AddressError, got %v", err)
			}
			if ae.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, ae.Field)
			}
		})
	}
}

func TestEnvelope_Validate(t *testing.T) {
	if err := (Envelope{From: "s@x.com", To: []string{"r@x.com"}}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (Envelope{From: "s@x.com"}).Validate(); !errors.Is(err, ErrNoRecipients) {
		t.Errorf("expected ErrNoRecipients, got %v", err)
	}
}

func TestDomain(t *testing.T) {
	if got := Domain("a@b.example.com"); got != "b.example.com" {
		t.Errorf("expected 'b.example.com', got %q", got)
	}
	if got := Domain("nodomain"); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
