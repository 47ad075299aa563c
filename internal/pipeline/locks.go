package pipeline

import (
	"errors"
	"sync"
)

// ErrMaterialBusy is returned when a stage already owns the material. The
// API layer maps it to 409 Conflict.
var ErrMaterialBusy = errors.New("material is being processed")

// lockTable hands out per-material try-locks. A lock is held from the moment
// an operation commits a start transition until its stage task finishes, so
// at most one stage runs per material.
type lockTable struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]bool)}
}

// TryAcquire takes the material's lock, reporting false when another stage
// holds it. It never blocks.
func (t *lockTable) TryAcquire(materialID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held[materialID] {
		return false
	}
	t.held[materialID] = true
	return true
}

// Release returns the material's lock.
func (t *lockTable) Release(materialID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, materialID)
}

// Held reports whether a stage currently owns the material.
func (t *lockTable) Held(materialID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held[materialID]
}
