// Package path provides path selection algorithms for Tor circuits.
// This package implements guard, middle, and exit node selection.
package path

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"github.com/veilmesh/torcore/pkg/directory"
	"github.com/veilmesh/torcore/pkg/logger"
)

// DirectoryClient fetches the set of relays currently in the consensus.
// directory.Client satisfies this; tests substitute a fake.
type DirectoryClient interface {
	FetchConsensus(ctx context.Context) ([]*directory.Relay, error)
}

// Path is a fully-selected, unbuilt 3-hop route through the network:
// a guard, a middle relay, and an exit.
type Path struct {
	Guard  *directory.Relay
	Middle *directory.Relay
	Exit   *directory.Relay
}

// Selector chooses paths for new circuits from the most recently fetched
// consensus. It caches the consensus between calls; callers refresh it
// with UpdateConsensus on whatever schedule the directory subsystem uses.
type Selector struct {
	dir      DirectoryClient
	guardMgr *GuardManager
	logger   *logger.Logger

	mu     sync.RWMutex
	relays []*directory.Relay
	guards []*directory.Relay
}

// NewSelector constructs a Selector backed by dir, with no persistent
// guard preference: every consensus-flagged guard is an equally eligible
// candidate. A nil logger falls back to the package default.
func NewSelector(dir DirectoryClient, log *logger.Logger) *Selector {
	return NewSelectorWithGuards(dir, nil, log)
}

// NewSelectorWithGuards constructs a Selector that prefers confirmed
// entries from guards (the persistent long-term-guard bookkeeping, see
// GuardManager) over the raw consensus guard flag, matching the
// glossary's "guard: tracked separately for reachability". guards may be
// nil, in which case selectGuard falls back to the consensus-wide guard
// set. A nil logger falls back to the package default.
func NewSelectorWithGuards(dir DirectoryClient, guards *GuardManager, log *logger.Logger) *Selector {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Selector{
		dir:      dir,
		guardMgr: guards,
		logger:   log.Component("path"),
	}
}

// UpdateConsensus refetches the relay list from the directory client and
// replaces the selector's view of usable guards and relays.
func (s *Selector) UpdateConsensus(ctx context.Context) error {
	relays, err := s.dir.FetchConsensus(ctx)
	if err != nil {
		return fmt.Errorf("fetch consensus: %w", err)
	}

	valid := make([]*directory.Relay, 0, len(relays))
	guards := make([]*directory.Relay, 0)
	for _, r := range relays {
		if !r.IsValid() || !r.IsRunning() {
			continue
		}
		valid = append(valid, r)
		if r.IsGuard() {
			guards = append(guards, r)
		}
	}

	s.mu.Lock()
	s.relays = valid
	s.guards = guards
	s.mu.Unlock()

	s.logger.Info("consensus updated", "relays", len(valid), "guards", len(guards))
	return nil
}

// SelectPath chooses a guard, middle, and exit relay for traffic destined
// to the given port. The three hops are guaranteed pairwise distinct.
func (s *Selector) SelectPath(port int) (*Path, error) {
	guard, err := s.selectGuard()
	if err != nil {
		return nil, fmt.Errorf("select guard: %w", err)
	}

	exit, err := s.selectExit(port, guard)
	if err != nil {
		return nil, fmt.Errorf("select exit: %w", err)
	}

	middle, err := s.selectMiddle(guard, exit)
	if err != nil {
		return nil, fmt.Errorf("select middle: %w", err)
	}

	return &Path{Guard: guard, Middle: middle, Exit: exit}, nil
}

// selectGuard picks a guard relay. When a GuardManager is attached and
// holds confirmed entries still present in the current consensus, it
// picks uniformly among those so the client's long-term guard set stays
// stable across restarts; otherwise it picks uniformly among the
// consensus-flagged guards.
func (s *Selector) selectGuard() (*directory.Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.guardMgr != nil {
		if confirmed := s.confirmedGuardsLocked(); len(confirmed) > 0 {
			idx, err := randomIndex(len(confirmed))
			if err != nil {
				return nil, err
			}
			return confirmed[idx], nil
		}
	}

	if len(s.guards) == 0 {
		return nil, fmt.Errorf("no guard relays available")
	}
	idx, err := randomIndex(len(s.guards))
	if err != nil {
		return nil, err
	}
	return s.guards[idx], nil
}

// confirmedGuardsLocked returns the subset of s.guards whose fingerprint
// the attached GuardManager has confirmed. Callers must hold s.mu.
func (s *Selector) confirmedGuardsLocked() []*directory.Relay {
	confirmed := make(map[string]bool)
	for _, e := range s.guardMgr.GetGuards() {
		if e.Confirmed {
			confirmed[e.Fingerprint] = true
		}
	}
	if len(confirmed) == 0 {
		return nil
	}
	out := make([]*directory.Relay, 0, len(confirmed))
	for _, r := range s.guards {
		if confirmed[r.Fingerprint] {
			out = append(out, r)
		}
	}
	return out
}

// GetRelays returns the current consensus relay set.
func (s *Selector) GetRelays() []*directory.Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*directory.Relay, len(s.relays))
	copy(out, s.relays)
	return out
}

// ConfirmGuard records fingerprint as a confirmed long-term guard in the
// attached GuardManager, and is a no-op if none is attached. Called by
// the client once a circuit through that guard completes successfully.
func (s *Selector) ConfirmGuard(fingerprint string) error {
	if s.guardMgr == nil {
		return nil
	}
	return s.guardMgr.ConfirmGuard(fingerprint)
}

// selectExit picks a relay flagged Exit, excluding guard, uniformly at
// random among the candidates. port is accepted for a future exit-policy
// match; today any exit-flagged relay is a candidate.
func (s *Selector) selectExit(port int, guard *directory.Relay) (*directory.Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]*directory.Relay, 0, len(s.relays))
	for _, r := range s.relays {
		if !r.IsExit() {
			continue
		}
		if guard != nil && r.Fingerprint == guard.Fingerprint {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no exit relays available for port %d", port)
	}
	idx, err := randomIndex(len(candidates))
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// selectMiddle picks any relay other than guard and exit, uniformly at
// random among the candidates.
func (s *Selector) selectMiddle(guard, exit *directory.Relay) (*directory.Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]*directory.Relay, 0, len(s.relays))
	for _, r := range s.relays {
		if r.Fingerprint == guard.Fingerprint || r.Fingerprint == exit.Fingerprint {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no middle relay candidates available")
	}
	idx, err := randomIndex(len(candidates))
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// randomIndex returns a cryptographically random index in [0, n).
func randomIndex(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("randomIndex: n must be positive, got %d", n)
	}
	if n == 1 {
		return 0, nil
	}
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, fmt.Errorf("randomIndex: %w", err)
	}
	return int(v.Int64()), nil
}
