// ABOUTME: Tests for metrics counters, snapshots, and the JSON-lines flush
// ABOUTME: Verifies vector breakdown keys and append-only snapshot behavior

package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_CountersAndVectors(t *testing.T) {
	m := New("", nil)

	m.TotalConnections.Inc()
	m.TotalConnections.Inc()
	m.MessagesLost.WithLabelValues("bob", "room-1").Inc()
	m.MessagesLost.WithLabelValues("bob", "room-2").Inc()
	m.AgentsByTransport.WithLabelValues("socket").Set(3)

	snap, err := m.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, float64(2), snap["byoa_connections_total"])
	assert.Equal(t, float64(2), snap["byoa_messages_lost_total"])
	assert.Equal(t, float64(1), snap["byoa_messages_lost_total{agent=bob,room=room-1}"])
	assert.Equal(t, float64(3), snap["byoa_agents_by_transport{transport=socket}"])
}

func TestFlush_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	m := New(path, nil)

	m.MessagesSent.Inc()
	require.NoError(t, m.Flush())
	m.MessagesSent.Inc()
	require.NoError(t, m.Flush())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 2)

	counters, ok := lines[1]["counters"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), counters["byoa_messages_sent_total"])
}

func TestFlush_NoPathIsNoop(t *testing.T) {
	m := New("", nil)
	require.NoError(t, m.Flush())
}
