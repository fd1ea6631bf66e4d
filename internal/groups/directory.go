package groups

import (
	"sort"
	"sync"
)

// MemoryDirectory is a mutable in-process Directory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	members map[string]Membership
}

// NewMemoryDirectory returns an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{members: make(map[string]Membership)}
}

func (d *MemoryDirectory) Lookup(groupID string) (Membership, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	membership, ok := d.members[groupID]
	return membership, ok
}

// Put adds or replaces a group.
func (d *MemoryDirectory) Put(groupID string, membership Membership) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[groupID] = membership
}

// Remove forgets a group; its poller stops on the next cycle.
func (d *MemoryDirectory) Remove(groupID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members, groupID)
}

// IDs returns the joined group ids in order.
func (d *MemoryDirectory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.members))
	for id := range d.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
