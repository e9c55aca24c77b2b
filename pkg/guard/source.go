package guard

import (
	"github.com/veilmesh/torcore/pkg/path"
)

// Source is the production GuardSource the circuit planner consults: it
// hands out a fresh Monitor/Usable pair per build attempt and feeds the
// committed status back into a persistent path.GuardManager so repeated
// failures eventually demote a guard and a success confirms it (the
// "long-term first hop, tracked separately for reachability" bookkeeping
// from the glossary).
type Source struct {
	guards *path.GuardManager
}

// NewSource constructs a Source backed by guards. guards may be nil, in
// which case commits are logged but not persisted -- useful for tests
// that do not care about guard persistence.
func NewSource(guards *path.GuardManager) *Source {
	return &Source{guards: guards}
}

// NewAttempt returns the feedback handles for one build attempt over p's
// guard hop. The Usable signal resolves immediately to "usable" unless
// the caller later calls ResolveAttempt to override it (e.g. a test
// simulating the guard subsystem preferring a different guard).
func (s *Source) NewAttempt(p *path.Path) (*Monitor, *Usable) {
	fingerprint := p.Guard.Fingerprint
	usable := NewUsable()
	usable.Resolve(true, nil)

	monitor := NewMonitor(func(status Status) {
		if s.guards == nil {
			return
		}
		switch status {
		case StatusSuccess:
			if err := s.guards.ConfirmGuard(fingerprint); err != nil {
				log.Debug("guard confirm failed", "guard", fingerprint, "error", err)
			}
		case StatusFailure, StatusAttemptAbandoned:
			log.Debug("guard attempt did not succeed", "guard", fingerprint, "status", status)
		}
	})
	return monitor, usable
}
