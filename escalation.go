package aluvia

import (
	"sort"
	"sync"
	"time"
)

// DefaultEscalationCap is the number of consecutive Blocked results
// after which automatic remediation is suppressed for a hostname.
const DefaultEscalationCap = 3

// hostBlockState is the tracked state for one hostname. Entries are
// created lazily on the first non-clear result and discarded wholesale
// on client teardown; nothing is persisted.
type hostBlockState struct {
	consecutiveBlocked int
	lastTier           Tier
	lastResultAt       time.Time
	escalated          bool
}

// EscalationTracker is a per-hostname state machine preventing unbounded
// automatic retries when a hostname remains blocked across repeated
// attempts. All access is serialized behind one mutex; distinct page
// analyses for the same hostname may run concurrently.
type EscalationTracker struct {
	// Cap is the consecutive-blocked count at which escalation
	// triggers. Zero means DefaultEscalationCap.
	Cap int

	mu    sync.Mutex
	hosts map[string]*hostBlockState
}

// NewEscalationTracker creates a tracker with the given cap
// (0 = DefaultEscalationCap).
func NewEscalationTracker(cap int) *EscalationTracker {
	return &EscalationTracker{
		Cap:   cap,
		hosts: make(map[string]*hostBlockState),
	}
}

func (t *EscalationTracker) cap() int {
	if t.Cap <= 0 {
		return DefaultEscalationCap
	}
	return t.Cap
}

// RecordResult updates the hostname's state for one detection result.
// Blocked increments the counter and escalates at the cap; Clear resets
// the counter and clears escalation; Suspected is recorded for
// visibility but leaves the counter unchanged.
func (t *EscalationTracker) RecordResult(hostname string, tier Tier) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.hosts[hostname]
	if !ok {
		if tier == TierClear {
			// No entry to reset; clear results on untracked hosts
			// are not worth a map entry.
			return
		}
		st = &hostBlockState{}
		t.hosts[hostname] = st
	}

	st.lastTier = tier
	st.lastResultAt = time.Now()

	switch tier {
	case TierBlocked:
		st.consecutiveBlocked++
		if st.consecutiveBlocked >= t.cap() {
			st.escalated = true
		}
	case TierClear:
		st.consecutiveBlocked = 0
		st.escalated = false
	}
}

// PermitsAction reports whether automatic remediation is still allowed
// for the hostname. It returns false only after escalation, until a
// Clear result resets the state.
func (t *EscalationTracker) PermitsAction(hostname string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.hosts[hostname]
	if !ok {
		return true
	}
	return !st.escalated
}

// ListBlocked returns the hostnames whose last result was Blocked or
// that are currently escalated, sorted for stable output. Suspected
// hostnames are tracked but not listed.
func (t *EscalationTracker) ListBlocked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var hosts []string
	for h, st := range t.hosts {
		if st.escalated || st.lastTier == TierBlocked {
			hosts = append(hosts, h)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// Reset discards the state for one hostname.
func (t *EscalationTracker) Reset(hostname string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hosts, hostname)
}

// ResetAll discards all tracked state.
func (t *EscalationTracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hosts = make(map[string]*hostBlockState)
}
