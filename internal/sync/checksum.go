package sync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// canonicalJSON re-encodes v so that object keys are sorted at every level
// and numbers keep their literal form.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// CalculateDataChecksum returns the hex SHA-256 of the canonical JSON form of
// data. Key order inside objects never affects the digest.
func CalculateDataChecksum(data any) (string, error) {
	canonical, err := canonicalJSON(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// snapshotChecksum hashes the ordered (table, count, size) tuples.
func snapshotChecksum(tables []TableSnapshot) string {
	h := sha256.New()
	for _, t := range tables {
		h.Write([]byte(t.TableName))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(t.RecordCount, 10)))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(t.DataSize, 10)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
