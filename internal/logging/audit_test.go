package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger_AppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	a, err := NewAuditLogger(path)
	require.NoError(t, err)

	a.Record(AuditEvent{Type: AuditTaskAdded, TaskID: "t1"})
	a.Record(AuditEvent{Type: AuditTaskCompleted, TaskID: "t1"})
	require.NoError(t, a.Close())

	// Re-opening appends rather than truncating.
	a, err = NewAuditLogger(path)
	require.NoError(t, err)
	a.Record(AuditEvent{Type: AuditRunCompleted, RunID: "r1"})
	require.NoError(t, a.Close())

	events := readEvents(t, path)
	require.Len(t, events, 3)
	assert.Equal(t, AuditTaskAdded, events[0].Type)
	assert.Equal(t, AuditTaskCompleted, events[1].Type)
	assert.Equal(t, AuditRunCompleted, events[2].Type)
	for _, e := range events {
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestAuditLogger_ConcurrentRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := NewAuditLogger(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Record(AuditEvent{Type: AuditTaskStarted, TaskID: "t"})
		}()
	}
	wg.Wait()
	require.NoError(t, a.Close())

	events := readEvents(t, path)
	assert.Len(t, events, 20, "every concurrent record lands as a full line")
}

func TestAuditLogger_NilSafe(t *testing.T) {
	var a *AuditLogger
	a.Record(AuditEvent{Type: AuditTaskAdded}) // must not panic
	assert.NoError(t, a.Close())
}

func readEvents(t *testing.T, path string) []AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	return events
}
