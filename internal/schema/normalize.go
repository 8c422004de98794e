package schema

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Source yields the canonical schema definition of the local store.
type Source interface {
	CanonicalSchema(ctx context.Context) (string, error)
}

// FileSource reads the schema definition from a file.
type FileSource string

func (f FileSource) CanonicalSchema(context.Context) (string, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return "", fmt.Errorf("read schema file: %w", err)
	}
	return string(data), nil
}

// StaticSource is a fixed schema definition.
type StaticSource string

func (s StaticSource) CanonicalSchema(context.Context) (string, error) {
	return string(s), nil
}

// Normalize removes "--", "//" and "/* */" comments outside quoted strings
// and collapses every whitespace run into one space.
func Normalize(schema string) string {
	var out strings.Builder
	out.Grow(len(schema))

	pendingSpace := false
	emit := func(r rune) {
		if pendingSpace && out.Len() > 0 {
			out.WriteByte(' ')
		}
		pendingSpace = false
		out.WriteRune(r)
	}

	runes := []rune(schema)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch {
		case r == '\'' || r == '"' || r == '`':
			quote := r
			emit(r)
			for i++; i < len(runes); i++ {
				out.WriteRune(runes[i])
				if runes[i] == quote {
					break
				}
			}
		case (r == '-' && next == '-') || (r == '/' && next == '/'):
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			pendingSpace = true
		case r == '/' && next == '*':
			i += 2
			for i < len(runes) && !(runes[i] == '*' && i+1 < len(runes) && runes[i+1] == '/') {
				i++
			}
			i++
			pendingSpace = true
		case unicode.IsSpace(r):
			pendingSpace = true
		default:
			emit(r)
		}
	}
	return out.String()
}

// Hash returns hex SHA-256 of the normalized schema.
func Hash(schema string) string {
	sum := sha256.Sum256([]byte(Normalize(schema)))
	return hex.EncodeToString(sum[:])
}
