// internal/repository/postgres/credit_transaction_repo_test.go
package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMetadata(t *testing.T) {
	m, err := decodeMetadata([]byte(`{"plan": "pro", "event_id": "evt_1"}`))
	require.NoError(t, err)
	assert.Equal(t, "pro", m["plan"])
	assert.Equal(t, "evt_1", m["event_id"])
}

func TestDecodeMetadataRejectsCorruptDocument(t *testing.T) {
	_, err := decodeMetadata([]byte(`{"plan": `))
	assert.Error(t, err)

	_, err = decodeMetadata([]byte(`[1, 2]`))
	assert.Error(t, err)
}
