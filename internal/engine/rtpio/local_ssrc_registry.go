package rtpio

import "sync"

// LocalSSRCRegistry tracks SSRCs this process authored itself, so the
// SAP directory can ignore its own announcements on receive (spec §6
// "Announcements authored by this process... are ignored on receive";
// spec §9 "Globals": "a fresh instance per process suffices").
type LocalSSRCRegistry struct {
	mu    sync.RWMutex
	ssrcs map[uint32]struct{}
}

// NewLocalSSRCRegistry builds an empty registry.
func NewLocalSSRCRegistry() *LocalSSRCRegistry {
	return &LocalSSRCRegistry{ssrcs: make(map[uint32]struct{})}
}

// Register marks ssrc as authored by this process.
func (r *LocalSSRCRegistry) Register(ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ssrcs[ssrc] = struct{}{}
}

// Unregister stops tracking ssrc, e.g. when the local sender shuts down.
func (r *LocalSSRCRegistry) Unregister(ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ssrcs, ssrc)
}

// IsLocal reports whether ssrc was authored by this process.
func (r *LocalSSRCRegistry) IsLocal(ssrc uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ssrcs[ssrc]
	return ok
}
