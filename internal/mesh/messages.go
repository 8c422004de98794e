package mesh

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ProtocolVersion is carried in every presence announcement.
const ProtocolVersion = "1.0"

// MessageType tags a discovery datagram.
type MessageType string

const (
	TypePresence      MessageType = "presence"
	TypeGoodbye       MessageType = "goodbye"
	TypeAuthChallenge MessageType = "auth_challenge"
	TypeAuthResponse  MessageType = "auth_response"
)

var (
	ErrUnknownMessageType = errors.New("unknown discovery message type")
	ErrMalformedMessage   = errors.New("malformed discovery message")
)

var validate = validator.New()

// Message is implemented by every discovery datagram variant.
type Message interface {
	Kind() MessageType
	Sender() string
}

// Header is common to all variants. Timestamp is unix milliseconds.
type Header struct {
	Type      MessageType `json:"type" validate:"required"`
	NodeID    string      `json:"node_id" validate:"required"`
	Timestamp int64       `json:"timestamp"`
}

func (h Header) Kind() MessageType { return h.Type }
func (h Header) Sender() string    { return h.NodeID }

// Presence announces a node on the group.
type Presence struct {
	Header
	NodeName            string   `json:"node_name"`
	Address             string   `json:"address"`
	Port                int      `json:"port" validate:"min=0,max=65535"`
	ServiceName         string   `json:"service_name" validate:"required"`
	RegistrationKeyHash string   `json:"registration_key_hash" validate:"required,len=64,hexadecimal"`
	Capabilities        []string `json:"capabilities"`
	ProtocolVersion     string   `json:"protocol_version"`
	SchemaVersion       string   `json:"schema_version,omitempty"`
	SchemaHash          string   `json:"schema_hash,omitempty"`
}

// Goodbye announces an orderly departure.
type Goodbye struct {
	Header
}

// AuthChallenge asks TargetNodeID to prove knowledge of the shared secret.
type AuthChallenge struct {
	Header
	ChallengeID  string `json:"challenge_id" validate:"required"`
	TargetNodeID string `json:"target_node_id" validate:"required"`
	Nonce        string `json:"nonce" validate:"required"`
}

// AuthResponse answers an AuthChallenge.
type AuthResponse struct {
	Header
	ChallengeID         string `json:"challenge_id" validate:"required"`
	RegistrationKeyHash string `json:"registration_key_hash" validate:"required,len=64,hexadecimal"`
	Proof               string `json:"proof" validate:"required"`
}

// EncodeMessage serializes m. The header type is forced to m's variant.
func EncodeMessage(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *Presence:
		v.Type = TypePresence
	case *Goodbye:
		v.Type = TypeGoodbye
	case *AuthChallenge:
		v.Type = TypeAuthChallenge
	case *AuthResponse:
		v.Type = TypeAuthResponse
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, m)
	}
	return json.Marshal(m)
}

// DecodeMessage parses a datagram into exactly one variant. Unknown types
// return ErrUnknownMessageType; missing required fields return
// ErrMalformedMessage.
func DecodeMessage(data []byte) (Message, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var m Message
	switch h.Type {
	case TypePresence:
		m = &Presence{}
	case TypeGoodbye:
		m = &Goodbye{}
	case TypeAuthChallenge:
		m = &AuthChallenge{}
	case TypeAuthResponse:
		m = &AuthResponse{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, h.Type)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return m, nil
}
