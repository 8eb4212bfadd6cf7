package proto

import (
	"github.com/SWAI-Ltd/peerhub/internal/proto/codec"
)

// Variant discriminates a decoded inbound payload
type Variant int

const (
	VariantOpaque Variant = iota
	VariantTweet
	VariantComment
	VariantSystem
)

func (v Variant) String() string {
	switch v {
	case VariantTweet:
		return TypeTweet
	case VariantComment:
		return TypeComment
	case VariantSystem:
		return TypeSystem
	default:
		return "opaque"
	}
}

// Inbound is a normalized payload. Raw always holds the bytes as received;
// Message is nil for the opaque variant.
type Inbound struct {
	Variant Variant
	Message *Message
	Raw     []byte
	From    string
}

// Opaque reports whether the payload could not be decoded into a known message.
func (in Inbound) Opaque() bool { return in.Variant == VariantOpaque }

// Decode normalizes raw with c. Anything that does not decode into a valid
// Message maps to VariantOpaque; it is never an error.
func Decode(c codec.Codec, from string, raw []byte) Inbound {
	in := Inbound{Variant: VariantOpaque, Raw: raw, From: from}
	var m Message
	if err := c.Unmarshal(raw, &m); err != nil {
		return in
	}
	if err := m.Validate(); err != nil {
		return in
	}
	in.Message = &m
	switch m.Type {
	case TypeTweet:
		in.Variant = VariantTweet
	case TypeComment:
		in.Variant = VariantComment
	case TypeSystem:
		in.Variant = VariantSystem
	}
	return in
}

// Encode serializes m with c.
func Encode(c codec.Codec, m Message) ([]byte, error) {
	return c.Marshal(m)
}
