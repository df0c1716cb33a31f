package audit

import (
	"context"
	"sync"
	"time"
)

// Snapshot is one stored configuration hash, the baseline drift detection
// compares against.
type Snapshot struct {
	TenantID     string    `json:"tenant_id"`
	ResourceID   string    `json:"resource_id"`
	ResourceType string    `json:"resource_type"`
	ConfigHash   string    `json:"config_hash"`
	CapturedAt   time.Time `json:"captured_at"`
}

// SnapshotStore persists per-resource configuration hashes between audit
// runs.
type SnapshotStore interface {
	// Hash returns the stored hash for one resource; ok is false when no
	// snapshot exists yet.
	Hash(ctx context.Context, tenantID, resourceID string) (hash string, ok bool, err error)
	// Save upserts the snapshot for one resource.
	Save(ctx context.Context, snap Snapshot) error
}

// MemorySnapshots is an in-process SnapshotStore. Drift is only visible
// across runs sharing the instance; persistent deployments supply their
// own implementation.
type MemorySnapshots struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

// NewMemorySnapshots returns an empty in-memory snapshot store.
func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{snaps: make(map[string]Snapshot)}
}

// Hash implements SnapshotStore.
func (m *MemorySnapshots) Hash(_ context.Context, tenantID, resourceID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[tenantID+"/"+resourceID]
	if !ok {
		return "", false, nil
	}
	return snap.ConfigHash, true, nil
}

// Save implements SnapshotStore.
func (m *MemorySnapshots) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.TenantID+"/"+snap.ResourceID] = snap
	return nil
}
