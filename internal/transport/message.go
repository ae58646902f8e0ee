package transport

import (
	"encoding/json"
	"strings"

	"github.com/sungwon/sesmailer/internal/compose"
	"github.com/sungwon/sesmailer/internal/envelope"
)

// Message is an outbound message. Either the structured fields or Raw are
// used; Envelope, when set, overrides the envelope derived from the
// address fields.
type Message struct {
	compose.Message
	Envelope *envelope.Envelope `json:"envelope,omitempty"`
	Raw      Payload            `json:"raw,omitempty"`
}

// Payload is a raw RFC 5322 message. It encodes as a JSON string.
type Payload []byte

func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(p))
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = Payload(s)
	return nil
}

// Info describes a delivered message.
type Info struct {
	// Envelope is the sender and recipient list handed to SES.
	Envelope envelope.Envelope `json:"envelope"`
	// MessageID is the SES assigned id in angle brackets, qualified with
	// the SES region domain.
	MessageID string `json:"messageId"`
	// Response is the bare SES ack.
	Response string `json:"response"`
	// Raw is the exact signed payload that was sent.
	Raw Payload `json:"raw"`
}

// FormatMessageID turns an SES ack into a Message-ID. Acks that already
// contain a domain are only wrapped.
func FormatMessageID(ack, region string) string {
	if strings.Contains(ack, "@") {
		return "<" + ack + ">"
	}
	return "<" + ack + "@" + region + ".amazonses.com>"
}
