package connection

import (
	"errors"
	"sort"
	"sync"

	"github.com/zhouzirui/memorial-call/backend/internal/model/protocol"
)

// ErrUnknownTransport is returned when sending to an id that is not registered.
var ErrUnknownTransport = errors.New("transport not registered")

// Transport is one live client connection.
type Transport interface {
	ID() string
	Send(msg protocol.Outbound) error
	Close(code int, reason string) error
}

type entry struct {
	transport     Transport
	sessionKey    string
	memberID      int64
	authenticated bool
}

// Registry is the process-local map of live transports. It is never shared
// between processes; the session record's transportId is the cross-process
// view of which transport is authoritative.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]*entry
	bySession  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]*entry),
		bySession:  make(map[string]string),
	}
}

// Add registers an unauthenticated transport opened for sessionKey.
func (r *Registry) Add(t Transport, sessionKey string) {
	r.mu.Lock()
	r.transports[t.ID()] = &entry{transport: t, sessionKey: sessionKey}
	r.mu.Unlock()
}

// Authenticated reports whether transportID completed CONNECT and returns the
// bound member.
func (r *Registry) Authenticated(transportID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.transports[transportID]
	if !ok || !e.authenticated {
		return 0, false
	}
	return e.memberID, true
}

// SetMember rebinds the member on an authenticated transport.
func (r *Registry) SetMember(transportID string, memberID int64) {
	r.mu.Lock()
	if e, ok := r.transports[transportID]; ok {
		e.memberID = memberID
	}
	r.mu.Unlock()
}

// Bind marks transportID authenticated for memberID and makes it the
// session's local transport. A different transport previously bound to the
// same session is returned so the caller can close it.
func (r *Registry) Bind(sessionKey, transportID string, memberID int64) (previous Transport, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.transports[transportID]
	if !exists {
		return nil, false
	}
	e.authenticated = true
	e.memberID = memberID
	e.sessionKey = sessionKey

	if prevID, bound := r.bySession[sessionKey]; bound && prevID != transportID {
		if prev, live := r.transports[prevID]; live {
			previous = prev.transport
		}
	}
	r.bySession[sessionKey] = transportID
	return previous, true
}

// Unbind clears the session binding when it still points at transportID.
func (r *Registry) Unbind(sessionKey, transportID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bySession[sessionKey] != transportID {
		return false
	}
	delete(r.bySession, sessionKey)
	return true
}

// Remove forgets transportID and any session binding it held.
func (r *Registry) Remove(transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.transports[transportID]
	if !ok {
		return
	}
	delete(r.transports, transportID)
	if r.bySession[e.sessionKey] == transportID {
		delete(r.bySession, e.sessionKey)
	}
}

// Lookup returns the transport locally bound to sessionKey.
func (r *Registry) Lookup(sessionKey string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySession[sessionKey]
	if !ok {
		return nil, false
	}
	e, ok := r.transports[id]
	if !ok {
		return nil, false
	}
	return e.transport, true
}

// SendTo delivers msg to one transport.
func (r *Registry) SendTo(transportID string, msg protocol.Outbound) error {
	r.mu.RLock()
	e, ok := r.transports[transportID]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownTransport
	}
	return e.transport.Send(msg)
}

// BoundSessions lists session keys with a locally bound transport.
func (r *Registry) BoundSessions() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.bySession))
	for key := range r.bySession {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// CloseSession closes every transport opened for sessionKey, authenticated
// or not, and returns how many were closed.
func (r *Registry) CloseSession(sessionKey string, code int, reason string) int {
	r.mu.Lock()
	var victims []Transport
	for id, e := range r.transports {
		if e.sessionKey == sessionKey {
			victims = append(victims, e.transport)
			delete(r.transports, id)
		}
	}
	delete(r.bySession, sessionKey)
	r.mu.Unlock()

	for _, t := range victims {
		_ = t.Close(code, reason)
	}
	return len(victims)
}

// CloseAll closes every transport; used on shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	victims := make([]Transport, 0, len(r.transports))
	for _, e := range r.transports {
		victims = append(victims, e.transport)
	}
	r.transports = make(map[string]*entry)
	r.bySession = make(map[string]string)
	r.mu.Unlock()

	for _, t := range victims {
		_ = t.Close(code, reason)
	}
}

// Count returns the number of registered transports.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.transports)
}
