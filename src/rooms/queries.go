package rooms

// ConnectionsInRoom returns the ids of the room's local members.
func (m *Manager) ConnectionsInRoom(room string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.rooms[room])
}

// Rooms returns the rooms connID belongs to.
func (m *Manager) Rooms(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.members[connID])
}

// IsInRoom reports whether connID is a member of room.
func (m *Manager) IsInRoom(connID, room string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[room][connID]
	return ok
}

// ConnectionCountInRoom returns how many local members room has.
func (m *Manager) ConnectionCountInRoom(room string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[room])
}

// AllRooms returns every room with at least one local member.
func (m *Manager) AllRooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.rooms))
	for room := range m.rooms {
		out[room] = struct{}{}
	}
	return sortedKeys(out)
}

// RoomCounts maps each room to its local member count.
func (m *Manager) RoomCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int, len(m.rooms))
	for room, conns := range m.rooms {
		counts[room] = len(conns)
	}
	return counts
}
