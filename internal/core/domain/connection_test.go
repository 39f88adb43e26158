package domain

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnection(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	now := time.Now()
	conn, err := NewConnection(server, now)
	require.NoError(t, err)

	_, err = uuid.Parse(conn.ID)
	assert.NoError(t, err, "connection ID should be a UUID")
	assert.Equal(t, now, conn.AcceptedAt)
	assert.Equal(t, "pipe", conn.RemoteAddr)
	assert.Equal(t, "pipe", conn.LocalAddr)
	assert.Same(t, server, conn.Conn())

	require.NoError(t, conn.Close())
	_, err = client.Write([]byte("x"))
	assert.Error(t, err, "peer should observe the close")
}

func TestNewConnection_Nil(t *testing.T) {
	conn, err := NewConnection(nil, time.Now())
	assert.Error(t, err)
	assert.Nil(t, conn)
}

func TestNewConnection_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		a, b := net.Pipe()
		conn, err := NewConnection(a, time.Now())
		require.NoError(t, err)
		assert.False(t, seen[conn.ID], "duplicate connection ID %s", conn.ID)
		seen[conn.ID] = true
		_ = a.Close()
		_ = b.Close()
	}
}
