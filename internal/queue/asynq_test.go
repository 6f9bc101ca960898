package queue

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServers_OneServerPerJobKind(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	servers := NewServers("localhost:6379", 0, 4, 16, logger)

	require.NotNil(t, servers.Execute)
	require.NotNil(t, servers.Poll)
	assert.NotSame(t, servers.Execute, servers.Poll,
		"each job kind gets its own worker pool")
}
