package tree

// Waiters returns the number of nodes with pending Await registrations.
func (m *Machine) Waiters() int { return m.hub.len() }
