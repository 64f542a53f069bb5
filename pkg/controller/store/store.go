package store

import (
	"sync"
	"sync/atomic"
)

const defaultActivityWindow = 600 // ticks; "recent" for IsRecentlyActive

// Store wraps a Backend with the derived-summary cache and its coalesced
// recompute worker (spec.md §4.3, §5 "summaryLock guards the deferred
// recompute queue ... storeLock guards its in-memory shadow"). Multiple
// saves to the same network coalesce onto a single recompute: the pending
// set is a set of network IDs, not a queue of individual work items.
type Store struct {
	backend Backend

	storeLock sync.RWMutex
	shadow    map[uint64]NetworkRecord // in-memory shadow of authoritative config

	summaryLock sync.Mutex
	summaries   map[uint64]Summary
	pending     map[uint64]struct{}
	pendingCond *sync.Cond
	activityWindow uint64

	stop chan struct{}
	done chan struct{}
}

// New constructs a Store over backend and starts its summary worker.
// activityWindow is the number of ticks a RecentLog entry counts as
// "active" for; 0 selects the default.
func New(backend Backend, activityWindow uint64) *Store {
	if activityWindow == 0 {
		activityWindow = defaultActivityWindow
	}
	s := &Store{
		backend:        backend,
		shadow:         make(map[uint64]NetworkRecord),
		summaries:      make(map[uint64]Summary),
		pending:        make(map[uint64]struct{}),
		activityWindow: activityWindow,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	s.pendingCond = sync.NewCond(&s.summaryLock)
	go s.recomputeWorker()
	return s
}

// Ready returns the backend's readiness gate.
func (s *Store) Ready() <-chan struct{} {
	return s.backend.Ready()
}

// closer is implemented by backends that own a goroutine or connection
// needing an explicit stop, such as IPCBackend's dispatch loop.
type closer interface {
	Close()
}

// Close stops the summary worker and waits for it to exit (spec.md §5
// "node teardown signals the summary worker to exit and joins it"), then
// closes the backend if it owns any stoppable resources of its own.
func (s *Store) Close() {
	close(s.stop)
	s.summaryLock.Lock()
	s.pendingCond.Broadcast()
	s.summaryLock.Unlock()
	<-s.done
	if c, ok := s.backend.(closer); ok {
		c.Close()
	}
}

func (s *Store) HasNetwork(nwid uint64) (bool, error) {
	return s.backend.HasNetwork(nwid)
}

func (s *Store) GetNetwork(nwid uint64) (NetworkRecord, bool, error) {
	return s.backend.GetNetwork(nwid)
}

func (s *Store) GetNetworkMember(nwid, mid uint64) (MemberRecord, bool, error) {
	return s.backend.GetNetworkMember(nwid, mid)
}

// GetNetworkAndMember implements the tri-state lookup of spec.md §4.3.
func (s *Store) GetNetworkAndMember(nwid, mid uint64) (MemberLookupState, NetworkRecord, MemberRecord, error) {
	nw, ok, err := s.backend.GetNetwork(nwid)
	if err != nil {
		return LookupNone, NetworkRecord{}, MemberRecord{}, err
	}
	if !ok {
		return LookupNone, NetworkRecord{}, MemberRecord{}, nil
	}
	mem, ok, err := s.backend.GetNetworkMember(nwid, mid)
	if err != nil {
		return LookupNetworkOnly, nw, MemberRecord{}, err
	}
	if !ok {
		return LookupNetworkOnly, nw, MemberRecord{}, nil
	}
	return LookupBoth, nw, mem, nil
}

// SaveNetwork persists rec, updates the in-memory shadow, and schedules a
// summary recompute for rec.NWID. The shadow is updated and the recompute
// scheduled even when the backend write fails: a transient I/O fault on the
// persistence layer must not stall the in-memory view the rest of the
// runtime reads from (spec.md §7), matching writeRaw's discard-then-update
// shape in the original JSONDB. The backend error is still returned to the
// caller.
func (s *Store) SaveNetwork(rec NetworkRecord) error {
	err := s.backend.SaveNetwork(rec)
	s.storeLock.Lock()
	s.shadow[rec.NWID] = rec
	s.storeLock.Unlock()
	s.scheduleRecompute(rec.NWID)
	return err
}

// SaveNetworkMember persists rec and schedules a recompute for its network,
// regardless of whether the backend write succeeded (see SaveNetwork).
func (s *Store) SaveNetworkMember(rec MemberRecord) error {
	err := s.backend.SaveNetworkMember(rec)
	s.scheduleRecompute(rec.NWID)
	return err
}

// EraseNetwork cascades per the backend's mode-specific rules (spec.md
// §4.3) and drops the network's shadow entry and cached summary.
func (s *Store) EraseNetwork(nwid uint64) (NetworkRecord, error) {
	rec, err := s.backend.EraseNetwork(nwid)
	s.storeLock.Lock()
	delete(s.shadow, nwid)
	s.storeLock.Unlock()
	s.summaryLock.Lock()
	delete(s.summaries, nwid)
	delete(s.pending, nwid)
	s.summaryLock.Unlock()
	return rec, err
}

// EraseNetworkMember removes a member, optionally scheduling an immediate
// recompute. Bulk erase callers pass recompute=false and recompute once at
// the end with a single SaveNetwork-less scheduleRecompute call.
func (s *Store) EraseNetworkMember(nwid, mid uint64, recompute bool) error {
	if err := s.backend.EraseNetworkMember(nwid, mid); err != nil {
		return err
	}
	if recompute {
		s.scheduleRecompute(nwid)
	}
	return nil
}

// RecomputeNow schedules an immediate recompute for nwid; used by bulk
// erase paths that pass recompute=false to EraseNetworkMember and want a
// single pass at the end.
func (s *Store) RecomputeNow(nwid uint64) {
	s.scheduleRecompute(nwid)
}

// GetNetworkSummaryInfo returns the last-committed summary, never stale
// beyond one recompute cycle for nwid (spec.md §4.3).
func (s *Store) GetNetworkSummaryInfo(nwid uint64) (Summary, bool) {
	s.summaryLock.Lock()
	defer s.summaryLock.Unlock()
	sum, ok := s.summaries[nwid]
	return sum, ok
}

func (s *Store) scheduleRecompute(nwid uint64) {
	s.summaryLock.Lock()
	s.pending[nwid] = struct{}{}
	s.pendingCond.Signal()
	s.summaryLock.Unlock()
}

// recomputeWorker runs outside storeLock except during the swap-in of a
// computed result (spec.md §5 "Summary work runs outside the store lock
// except during the swap-in of computed results").
func (s *Store) recomputeWorker() {
	defer close(s.done)
	for {
		s.summaryLock.Lock()
		for len(s.pending) == 0 {
			select {
			case <-s.stop:
				s.summaryLock.Unlock()
				return
			default:
			}
			s.pendingCond.Wait()
			select {
			case <-s.stop:
				s.summaryLock.Unlock()
				return
			default:
			}
		}
		var nwid uint64
		for id := range s.pending {
			nwid = id
			break
		}
		delete(s.pending, nwid)
		window := s.activityWindow
		s.summaryLock.Unlock()

		members, err := s.backend.ListMembers(nwid)
		if err != nil {
			continue
		}
		sum := computeSummary(members, monotonicNow(), window)

		s.summaryLock.Lock()
		s.summaries[nwid] = sum
		s.summaryLock.Unlock()
	}
}

var clockTicks atomic.Uint64

func monotonicNow() uint64 { return clockTicks.Load() }

// SetClock installs the current tick value the summary worker uses as
// "now" for activity-window computation; the node orchestrator calls this
// once per processBackgroundTasks invocation.
func SetClock(now uint64) {
	clockTicks.Store(now)
}
