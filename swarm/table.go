package swarm

import (
	"sync"

	"github.com/bittorrent/helix/bittorrent"
)

// DefaultDNAOnlyPrefix is swarm_dna_only_prefix's default value (spec.md
// §9: `swarm_dna_only_prefix`, default "DNA").
const DefaultDNAOnlyPrefix = "DNA"

// Table is the process-wide info_hash → Swarm mapping (spec.md §3). A
// single Table is shared by every request handler and background loop.
type Table struct {
	mu     sync.RWMutex
	swarms map[bittorrent.InfoHash]*Swarm

	dnaOnlyDefault bool
	enforceDNAOnly bool
	dnaOnlyPrefix  string
}

// NewTable allocates an empty Table. dnaOnlyDefault seeds newly created
// swarms' DNA_ONLY flag (control variable swarm_default_dna_only).
func NewTable(dnaOnlyDefault bool) *Table {
	return &Table{
		swarms:         make(map[bittorrent.InfoHash]*Swarm),
		dnaOnlyDefault: dnaOnlyDefault,
		dnaOnlyPrefix:  DefaultDNAOnlyPrefix,
	}
}

// DNAOnlyDefault returns a pointer to the DNA_ONLY default flag newly
// created swarms are seeded with, for live registration as the control
// variable swarm_default_dna_only.
func (t *Table) DNAOnlyDefault() *bool {
	return &t.dnaOnlyDefault
}

// EnforceDNAOnly returns a pointer to the global DNA-only enforcement
// switch, for live registration as the control variable
// swarm_enforce_dna_only.
func (t *Table) EnforceDNAOnly() *bool {
	return &t.enforceDNAOnly
}

// DNAOnlyPrefix returns a pointer to the configured DNA-only peer_id
// prefix, for live registration as the control variable
// swarm_dna_only_prefix.
func (t *Table) DNAOnlyPrefix() *string {
	return &t.dnaOnlyPrefix
}

// AdmitsDNAOnly reports whether id may join s under the current DNA-only
// enforcement policy (spec.md glossary: "DNA-only: mode admitting only
// peer_ids with a configured prefix"). Swarms not flagged DNA_ONLY, or a
// globally disabled enforcement switch, always admit.
func (t *Table) AdmitsDNAOnly(s *Swarm, id bittorrent.PeerID) bool {
	if !t.enforceDNAOnly || !s.DNAOnly() {
		return true
	}
	return id.HasPrefix(t.dnaOnlyPrefix)
}

// Get returns the swarm for ih, if one has been created.
func (t *Table) Get(ih bittorrent.InfoHash) (*Swarm, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.swarms[ih]
	return s, ok
}

// GetOrCreate returns the swarm for ih, lazily creating it (spec.md §3:
// "Created lazily on first announce that passes authorization").
func (t *Table) GetOrCreate(ih bittorrent.InfoHash) (s *Swarm, created bool) {
	t.mu.RLock()
	s, ok := t.swarms[ih]
	t.mu.RUnlock()
	if ok {
		return s, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.swarms[ih]; ok {
		return s, false
	}
	s = NewSwarm(ih, t.dnaOnlyDefault)
	t.swarms[ih] = s
	return s, true
}

// Restore inserts a swarm directly into the table, for use by the
// checkpoint loader at startup.
func (t *Table) Restore(s *Swarm) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.swarms[s.InfoHash] = s
}

// Len returns the number of swarms currently tracked (including disabled
// ones, which are never destroyed — spec.md §3).
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.swarms)
}

// Each calls fn for every swarm in the table. fn must not call Table
// methods that take the write lock (GetOrCreate).
func (t *Table) Each(fn func(bittorrent.InfoHash, *Swarm)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for ih, s := range t.swarms {
		fn(ih, s)
	}
}

// Snapshot returns a stable slice of every swarm in the table, used by
// components (checkpoint, stats) that need to iterate without holding the
// table lock for long.
func (t *Table) Snapshot() []*Swarm {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Swarm, 0, len(t.swarms))
	for _, s := range t.swarms {
		out = append(out, s)
	}
	return out
}
