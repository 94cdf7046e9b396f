package redis

import (
	"fmt"
	"testing"

	"github.com/fgrzl/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hash mirrors what HGETALL returns for an encoded connection.
func hash(t *testing.T, conn *connect.Connection) map[string]string {
	encoded, err := encodeConnection(conn)
	require.NoError(t, err)
	fields := make(map[string]string, len(encoded))
	for k, v := range encoded {
		fields[k] = fmt.Sprint(v)
	}
	return fields
}

func TestConnectionCodec(t *testing.T) {
	t.Run("should restore every field", func(t *testing.T) {
		conn := connect.NewConnection("c1")
		conn.Source, conn.Destination, conn.Type = "A", "B", "follow"
		conn.Params = map[string]string{"weight": "10"}
		conn.Connect()

		decoded, err := decodeConnection(hash(t, conn))
		require.NoError(t, err)
		assert.Equal(t, conn.ID, decoded.ID)
		assert.Equal(t, conn.Source, decoded.Source)
		assert.Equal(t, conn.Destination, decoded.Destination)
		assert.Equal(t, conn.Type, decoded.Type)
		assert.Equal(t, connect.Connected, decoded.Status)
		assert.Equal(t, conn.Params, decoded.Params)
		assert.True(t, conn.CreatedAt.Equal(decoded.CreatedAt))
	})

	t.Run("should leave params nil when there are none", func(t *testing.T) {
		decoded, err := decodeConnection(hash(t, connect.NewConnection("c2")))
		require.NoError(t, err)
		assert.Nil(t, decoded.Params)
	})

	t.Run("should report corrupt hashes as storage errors", func(t *testing.T) {
		fields := hash(t, connect.NewConnection("c3"))
		fields["created_at"] = "yesterday"
		_, err := decodeConnection(fields)
		assert.ErrorIs(t, err, connect.ErrStorage)

		fields = hash(t, connect.NewConnection("c4"))
		fields["status"] = "pending"
		_, err = decodeConnection(fields)
		assert.ErrorIs(t, err, connect.ErrStorage)
	})
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "connection:c1", getConnectionKey("c1"))
	assert.Equal(t, "out:A", getOutgoingKey("A"))
	assert.Equal(t, "in:A", getIncomingKey("A"))
}
