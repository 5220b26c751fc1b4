package chatsync

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// ============================================================================
// Envelope types
// ============================================================================

// EnvelopeType is the discriminator tag of a wire envelope.
type EnvelopeType string

const (
	TypeText         EnvelopeType = "text"
	TypeReadReceipt  EnvelopeType = "read_receipt"
	TypeTyping       EnvelopeType = "typing"
	TypePing         EnvelopeType = "ping"
	TypePong         EnvelopeType = "pong"
	TypeCallOffer    EnvelopeType = "call_offer"
	TypeCallAnswer   EnvelopeType = "call_answer"
	TypeICECandidate EnvelopeType = "ice_candidate"
	TypeError        EnvelopeType = "error"
)

// Envelope is the wire format for all live traffic, both directions.
// Unknown Type values are carried through untouched so new server-side
// event types do not break older clients.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// ReceivedAt is the local receive timestamp, set by the transport.
	// Never trusted as server time.
	ReceivedAt time.Time `json:"-"`
}

// NewEnvelope builds an envelope with a marshaled payload.
func NewEnvelope(t EnvelopeType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// DecodeError reports a frame that could not be turned into an Envelope.
// It is returned as a value and never propagated past the transport
// boundary; callers log and drop the frame.
type DecodeError struct {
	Size  int
	cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("undecodable frame (%d bytes): %v", e.Size, e.cause)
}

func (e *DecodeError) Unwrap() error { return e.cause }

// ============================================================================
// Codec
// ============================================================================

// ContentTransform is the opaque encode/decode boundary for message content
// (the slot the wire-level obfuscation layer plugs into). Implementations
// must be side-effect free.
type ContentTransform interface {
	EncodeContent(plaintext string) (string, error)
	DecodeContent(wireform string) (string, error)
}

type identityTransform struct{}

func (identityTransform) EncodeContent(s string) (string, error) { return s, nil }
func (identityTransform) DecodeContent(s string) (string, error) { return s, nil }

// IdentityTransform passes content through unchanged.
func IdentityTransform() ContentTransform { return identityTransform{} }

// Codec (de)serializes wire envelopes. It is purely functional: no retries,
// no side effects, so malformed-input handling is trivially unit-testable.
type Codec struct{}

// NewCodec returns a Codec.
func NewCodec() *Codec { return &Codec{} }

// Decode parses a raw frame into an Envelope. A missing or empty type field
// is a decode failure; the payload is not validated here, each consumer
// unmarshals the payload shape it expects.
func (c *Codec) Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &DecodeError{Size: len(raw), cause: err}
	}
	if env.Type == "" {
		return Envelope{}, &DecodeError{Size: len(raw), cause: fmt.Errorf("missing type field")}
	}
	return env, nil
}

// Encode serializes an Envelope to its wire frame.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return raw, nil
}
