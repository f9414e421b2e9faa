package mcp

import "sync"

// SessionRegistry maps flow session IDs to the MCP client sessions that
// started or resumed them.
type SessionRegistry struct {
	mu      sync.RWMutex
	clients map[string]string // flow session ID → MCP session ID
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{clients: make(map[string]string)}
}

// Register associates a flow session with a client. A later call from
// another client takes over.
func (r *SessionRegistry) Register(flowSessionID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[flowSessionID] = clientID
}

// ClientFor returns the client watching a flow session.
func (r *SessionRegistry) ClientFor(flowSessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.clients[flowSessionID]
	return cid, ok
}

// Forget drops a single flow session.
func (r *SessionRegistry) Forget(flowSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, flowSessionID)
}

// RemoveClient deletes every mapping to clientID. Called when a client
// disconnects.
func (r *SessionRegistry) RemoveClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for fid, cid := range r.clients {
		if cid == clientID {
			delete(r.clients, fid)
		}
	}
}
