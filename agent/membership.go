package agent

import "sync"

// Membership answers whether an instance currently belongs to a room. It
// is consulted synchronously before any other work on an event.
type Membership interface {
	IsMember(instanceID, roomID string) bool
}

// MembershipFunc adapts a function to Membership.
type MembershipFunc func(instanceID, roomID string) bool

func (f MembershipFunc) IsMember(instanceID, roomID string) bool { return f(instanceID, roomID) }

// StaticMembership is an in-memory membership table.
type StaticMembership struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // instanceID -> roomIDs
}

// NewStaticMembership creates an empty table.
func NewStaticMembership() *StaticMembership {
	return &StaticMembership{rooms: make(map[string]map[string]struct{})}
}

func (m *StaticMembership) IsMember(instanceID, roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[instanceID][roomID]
	return ok
}

// Join adds instanceID to each room.
func (m *StaticMembership) Join(instanceID string, roomIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.rooms[instanceID]
	if !ok {
		set = make(map[string]struct{})
		m.rooms[instanceID] = set
	}
	for _, r := range roomIDs {
		set[r] = struct{}{}
	}
}

// Leave removes instanceID from roomID.
func (m *StaticMembership) Leave(instanceID, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms[instanceID], roomID)
}
