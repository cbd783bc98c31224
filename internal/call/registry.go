package call

import (
	"crypto/subtle"
	"sync"
)

// Registry indexes active calls three ways: by our call id, by the
// provider's call id, and by the media websocket token. All three indices
// always point at the same set of live calls; removal clears every index
// and is idempotent.
type Registry struct {
	mu         sync.Mutex
	byID       map[string]*Call
	byProvider map[string]string // providerCallID -> callID
	byToken    map[string]string // wsToken -> callID
}

func NewRegistry() *Registry {
	return &Registry{
		byID:       make(map[string]*Call),
		byProvider: make(map[string]string),
		byToken:    make(map[string]string),
	}
}

func (r *Registry) Add(c *Call) {
	r.mu.Lock()
	r.byID[c.ID] = c
	r.byToken[c.WSToken] = c.ID
	r.mu.Unlock()
}

// IndexProvider binds the provider's call id once PlaceCall returns it.
func (r *Registry) IndexProvider(callID, providerCallID string) {
	r.mu.Lock()
	if _, ok := r.byID[callID]; ok && providerCallID != "" {
		r.byProvider[providerCallID] = callID
	}
	r.mu.Unlock()
}

func (r *Registry) Get(callID string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[callID]
	return c, ok
}

func (r *Registry) GetByProvider(providerCallID string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byProvider[providerCallID]
	if !ok {
		return nil, false
	}
	c, ok := r.byID[id]
	return c, ok
}

// GetByToken resolves a media websocket token. The comparison is
// constant-time; the token arrives from the public internet.
func (r *Registry) GetByToken(token string) (*Call, bool) {
	if token == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for t, id := range r.byToken {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			c, ok := r.byID[id]
			return c, ok
		}
	}
	return nil, false
}

// InvalidateToken retires a call's websocket token. Tokens authenticate
// exactly one upgrade; once a socket is attached the mapping goes away.
func (r *Registry) InvalidateToken(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[callID]
	if !ok {
		return
	}
	delete(r.byToken, c.WSToken)
}

// MostRecent returns the newest active call, used only by the tokenless
// pairing fallback on ephemeral tunnel hosts.
func (r *Registry) MostRecent() (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newest *Call
	for _, c := range r.byID {
		if newest == nil || c.StartedAt.After(newest.StartedAt) {
			newest = c
		}
	}
	return newest, newest != nil
}

// Remove clears a call from every index. Safe to call more than once.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[callID]
	if !ok {
		return
	}
	delete(r.byID, callID)
	delete(r.byToken, c.WSToken)
	if pid := c.ProviderCallID(); pid != "" {
		delete(r.byProvider, pid)
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Active returns a snapshot of all live calls.
func (r *Registry) Active() []*Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Call, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}
