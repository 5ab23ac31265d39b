package store

import (
	"context"
	"fmt"
)

// StateExporter exports and imports the mutable system state that the
// evolution engine guards. The payload is opaque to the store.
type StateExporter interface {
	ExportState() ([]byte, error)
	ImportState(data []byte) error
}

// SnapshotKeeper pairs a Store with a StateExporter to satisfy the evolution
// engine's persistence collaborator: Snapshot captures current state under a
// fresh id, Restore reinstates a captured state.
type SnapshotKeeper struct {
	store *Store
	state StateExporter
}

// NewSnapshotKeeper creates a keeper over the given store and state source.
func NewSnapshotKeeper(s *Store, state StateExporter) *SnapshotKeeper {
	return &SnapshotKeeper{store: s, state: state}
}

// Snapshot captures the current state and returns its id.
func (k *SnapshotKeeper) Snapshot(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload, err := k.state.ExportState()
	if err != nil {
		return "", fmt.Errorf("failed to export state: %w", err)
	}
	return k.store.SaveSnapshot(payload)
}

// Restore reinstates the state stored under id.
func (k *SnapshotKeeper) Restore(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := k.store.LoadSnapshot(id)
	if err != nil {
		return err
	}
	if err := k.state.ImportState(payload); err != nil {
		return fmt.Errorf("failed to import state: %w", err)
	}
	return nil
}
