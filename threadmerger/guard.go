package threadmerger

import "github.com/google/uuid"

// Guard is a view of a SharedThreadMerger whose mutex is held. It exists
// only between Lock and Unlock; any use after Unlock panics.
type Guard struct {
	m        *SharedThreadMerger
	released bool
}

// Unlock releases the merger's mutex and invalidates g.
func (g *Guard) Unlock() {
	g.check()
	g.released = true
	g.m.mu.Unlock()
}

func (g *Guard) check() {
	if g.released {
		panic("threadmerger: guard used after Unlock")
	}
}

// IsMerged reports whether the queues are merged.
func (g *Guard) IsMerged() bool {
	g.check()
	return g.m.merged
}

// IsEnabled reports the enabled gate. The gate is enforced by
// RasterThreadMerger, not by the lease operations below.
func (g *Guard) IsEnabled() bool {
	g.check()
	return g.m.enabled
}

// SetEnabled sets the enabled gate.
func (g *Guard) SetEnabled(enabled bool) {
	g.check()
	g.m.enabled = enabled
}

// MergeWithLease records caller's lease, merging the queues first if they
// are not merged. A non-positive term is logged and refused.
func (g *Guard) MergeWithLease(caller uuid.UUID, term int) bool {
	g.check()
	m := g.m
	if term <= 0 {
		m.logger.Warn("threadmerger: MergeWithLease with non-positive term",
			"caller", caller,
			"term", term)
		return false
	}
	if !m.merged {
		m.mergeLocked()
	}
	m.leases[caller] = term
	return true
}

// ExtendLeaseTo overwrites caller's lease. Only valid while merged and with
// a positive term; otherwise logged and ignored.
func (g *Guard) ExtendLeaseTo(caller uuid.UUID, term int) {
	g.check()
	m := g.m
	if !m.merged {
		m.logger.Warn("threadmerger: ExtendLeaseTo while unmerged", "caller", caller)
		return
	}
	if term <= 0 {
		m.logger.Warn("threadmerger: ExtendLeaseTo with non-positive term",
			"caller", caller,
			"term", term)
		return
	}
	m.leases[caller] = term
}

// DecrementLease decrements caller's lease by one. It returns true if every
// lease is now zero and the queues were unmerged by this call.
//
// An unknown caller (already removed by UnMergeNowIfLastOne) is tolerated.
// Decrementing a zero lease is logged and ignored.
func (g *Guard) DecrementLease(caller uuid.UUID) bool {
	g.check()
	m := g.m
	term, ok := m.leases[caller]
	if !ok {
		m.logger.Debug("threadmerger: DecrementLease for unknown caller", "caller", caller)
		return false
	}
	if term == 0 {
		m.logger.Warn("threadmerger: DecrementLease on a zero lease", "caller", caller)
		return false
	}
	m.leases[caller] = term - 1

	if m.merged && m.allLeasesZeroLocked() {
		m.unmergeLocked()
		return true
	}
	return false
}

// UnMergeNowIfLastOne removes caller's lease entirely. The queues are
// unmerged only if no positive lease remains; other callers keep the merge
// alive otherwise. Always returns true.
func (g *Guard) UnMergeNowIfLastOne(caller uuid.UUID) bool {
	g.check()
	m := g.m
	delete(m.leases, caller)
	if m.merged && m.allLeasesZeroLocked() {
		m.unmergeLocked()
	}
	return true
}

// Lease returns caller's remaining lease and whether caller is registered.
func (g *Guard) Lease(caller uuid.UUID) (int, bool) {
	g.check()
	term, ok := g.m.leases[caller]
	return term, ok
}
