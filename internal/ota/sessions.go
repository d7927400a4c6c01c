package ota

import "sync"

// sessionMap is the node-to-session index. It only ever takes its own lock,
// never a session's, so callers may hold a session mutex while removing.
type sessionMap struct {
	mu     sync.Mutex
	byNode map[string]*Session
}

func newSessionMap() sessionMap {
	return sessionMap{byNode: make(map[string]*Session)}
}

// insert claims the node for a new session. It fails if the node already has
// a live session; a retained terminal session is displaced.
func (m *sessionMap) insert(nodeID string, sess *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byNode[nodeID]; ok && !existing.terminal.Load() {
		return false
	}
	m.byNode[nodeID] = sess
	return true
}

func (m *sessionMap) get(nodeID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byNode[nodeID]
}

// remove drops the node's entry only if it still points at sess, so a
// replacement session started after sess finished is never evicted.
func (m *sessionMap) remove(nodeID string, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byNode[nodeID] == sess {
		delete(m.byNode, nodeID)
	}
}

func (m *sessionMap) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.byNode))
	for _, sess := range m.byNode {
		out = append(out, sess)
	}
	return out
}
