package security

import "errors"

var (
	ErrTokenMissing    = errors.New("security: token missing")
	ErrTokenMalformed  = errors.New("security: token malformed")
	ErrTokenExpired    = errors.New("security: token expired")
	ErrTokenSignature  = errors.New("security: token signature invalid")
	ErrTokenInvalid    = errors.New("security: token invalid")
	ErrSessionNotFound = errors.New("security: session not found")
	ErrSessionExpired  = errors.New("security: session expired")
	ErrInvalidKey      = errors.New("security: key must be 32 bytes")
	ErrSignature       = errors.New("security: payload signature mismatch")
	ErrDecrypt         = errors.New("security: decryption failed")
	ErrEmptySecret     = errors.New("security: registration secret is empty")
)

// Machine readable codes returned in AuthResult.ErrorCode
const (
	CodeMissingKeyHash  = "missing_key_hash"
	CodeKeyHashMismatch = "key_hash_mismatch"
	CodeMissingNodeID   = "missing_node_id"
	CodeInternal        = "internal_error"
)
