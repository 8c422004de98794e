package sync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateDataChecksum(t *testing.T) {
	a, err := CalculateDataChecksum(Row{"id": "r1", "qty": 3, "tags": []string{"x", "y"}})
	require.NoError(t, err)
	assert.Len(t, a, 64)

	b, err := CalculateDataChecksum(json.RawMessage(`{"tags":["x","y"],"qty":3,"id":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, a, b, "key order must not matter")

	c, err := CalculateDataChecksum(Row{"id": "r1", "qty": 4, "tags": []string{"x", "y"}})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	// Numbers keep their literal form through canonicalization.
	big1, err := CalculateDataChecksum(json.RawMessage(`{"n":9007199254740993}`))
	require.NoError(t, err)
	big2, err := CalculateDataChecksum(json.RawMessage(`{"n":9007199254740992}`))
	require.NoError(t, err)
	assert.NotEqual(t, big1, big2)
}

func TestCalculateDataChecksumNestedOrder(t *testing.T) {
	a, err := CalculateDataChecksum(json.RawMessage(`{"outer":{"b":1,"a":{"d":2,"c":3}}}`))
	require.NoError(t, err)
	b, err := CalculateDataChecksum(json.RawMessage(`{"outer":{"a":{"c":3,"d":2},"b":1}}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func objectJSON(keys []string, values map[string]int) json.RawMessage {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%q:%d", k, values[k])
	}
	return json.RawMessage("{" + strings.Join(parts, ",") + "}")
}

func TestChecksumKeyOrderProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("checksum ignores object key order", prop.ForAll(
		func(values map[string]int) bool {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			reversed := make([]string, len(keys))
			for i, k := range keys {
				reversed[len(keys)-1-i] = k
			}

			forward, err1 := CalculateDataChecksum(objectJSON(keys, values))
			backward, err2 := CalculateDataChecksum(objectJSON(reversed, values))
			return err1 == nil && err2 == nil && forward == backward
		},
		gen.MapOf(gen.Identifier(), gen.Int()),
	))

	properties.TestingRun(t)
}

func TestSnapshotChecksum(t *testing.T) {
	tables := []TableSnapshot{
		{TableName: "orders", RecordCount: 10, DataSize: 1000},
		{TableName: "products", RecordCount: 3, DataSize: 120},
	}
	base := snapshotChecksum(tables)
	assert.Equal(t, base, snapshotChecksum(tables))

	changed := append([]TableSnapshot(nil), tables...)
	changed[1].RecordCount = 4
	assert.NotEqual(t, base, snapshotChecksum(changed))

	// Table boundaries are part of the digest.
	assert.NotEqual(t,
		snapshotChecksum([]TableSnapshot{{TableName: "ab", RecordCount: 1}}),
		snapshotChecksum([]TableSnapshot{{TableName: "a", RecordCount: 1}, {TableName: "b"}}),
	)
}
