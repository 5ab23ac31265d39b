package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/revision"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "overseer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshots_SaveLoadList(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.SaveSnapshot([]byte("state-v1"))
	require.NoError(t, err)
	id2, err := s.SaveSnapshot([]byte("state-v2"))
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	payload, err := s.LoadSnapshot(id1)
	require.NoError(t, err)
	assert.Equal(t, []byte("state-v1"), payload)

	infos, err := s.ListSnapshots()
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	_, err = s.LoadSnapshot("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevisionArchive_AppendIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	rec := revision.Record{
		TaskID:    "t1",
		Cycle:     1,
		Seq:       1,
		Verdict:   revision.VerdictRejected,
		Feedback:  "needs tests",
		Timestamp: time.Now(),
	}
	require.NoError(t, s.AppendRevisionRecord(rec))
	require.NoError(t, s.AppendRevisionRecord(rec), "replaying the same record is a no-op")

	rec2 := rec
	rec2.Seq = 2
	rec2.Cycle = 2
	rec2.Verdict = revision.VerdictApproved
	rec2.Feedback = ""
	require.NoError(t, s.AppendRevisionRecord(rec2))

	records, err := s.RevisionRecords("t1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[0].Seq)
	assert.Equal(t, revision.VerdictRejected, records[0].Verdict)
	assert.Equal(t, "needs tests", records[0].Feedback)
	assert.Equal(t, revision.VerdictApproved, records[1].Verdict)
}

func TestProposals_SaveLoadUpdate(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().Truncate(time.Second)
	p := ProposalRow{
		ID:         "prop-1",
		ChangeSpec: "raise worker concurrency",
		SnapshotID: "snap-1",
		Stage:      "/staged_10",
		Baseline:   map[string]float64{"throughput": 100},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.SaveProposal(p))

	loaded, err := s.LoadProposal("prop-1")
	require.NoError(t, err)
	assert.Equal(t, "raise worker concurrency", loaded.ChangeSpec)
	assert.Equal(t, "/staged_10", loaded.Stage)
	assert.Equal(t, 100.0, loaded.Baseline["throughput"])

	p.Stage = "/rolled_back"
	p.Observed = map[string]float64{"throughput": 70}
	p.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, s.SaveProposal(p))

	loaded, err = s.LoadProposal("prop-1")
	require.NoError(t, err)
	assert.Equal(t, "/rolled_back", loaded.Stage)
	assert.Equal(t, 70.0, loaded.Observed["throughput"])

	all, err := s.Proposals()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.LoadProposal("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// fakeState is an in-memory StateExporter.
type fakeState struct {
	data []byte
	err  error
}

func (f *fakeState) ExportState() ([]byte, error) { return f.data, f.err }
func (f *fakeState) ImportState(data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.data = data
	return nil
}

func TestSnapshotKeeper_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	state := &fakeState{data: []byte("before")}
	keeper := NewSnapshotKeeper(s, state)

	id, err := keeper.Snapshot(context.Background())
	require.NoError(t, err)

	state.data = []byte("after")
	require.NoError(t, keeper.Restore(context.Background(), id))
	assert.Equal(t, []byte("before"), state.data)
}

func TestSnapshotKeeper_ExportError(t *testing.T) {
	s := openTestStore(t)
	keeper := NewSnapshotKeeper(s, &fakeState{err: errors.New("export failed")})

	_, err := keeper.Snapshot(context.Background())
	require.Error(t, err)
}
