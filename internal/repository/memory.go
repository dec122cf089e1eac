package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fitplan/subsync/internal/domain"
)

type memWatcher struct {
	onChange func(*domain.SubscriptionRecord)
	onError  func(error)

	mu      sync.Mutex
	lastSeq uint64
}

// deliver drops snapshots older than one already delivered.
func (w *memWatcher) deliver(seq uint64, rec *domain.SubscriptionRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq <= w.lastSeq {
		return
	}
	w.lastSeq = seq
	w.onChange(rec)
}

type memDoc struct {
	rec *domain.SubscriptionRecord
	seq uint64
}

// MemorySubscriptionStore is an in-process canonical store with the same merge
// and push semantics as SubscriptionRepository. Used for STORE_DRIVER=memory and tests.
type MemorySubscriptionStore struct {
	mu       sync.RWMutex
	docs     map[string]*memDoc
	watchers map[string]map[uint64]*memWatcher
	nextID   uint64
	seq      uint64

	getErr   error
	mergeErr error
	merges   int
	gets     int
	getHook  func()
	now      func() time.Time
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{
		docs:     make(map[string]*memDoc),
		watchers: make(map[string]map[uint64]*memWatcher),
		now:      time.Now,
	}
}

// SetClock overrides the merge clock.
func (s *MemorySubscriptionStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetGetError makes Get fail with err until cleared with nil.
func (s *MemorySubscriptionStore) SetGetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

// SetMergeError makes Merge fail with err until cleared with nil.
func (s *MemorySubscriptionStore) SetMergeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeErr = err
}

// Merges returns the number of successful merges.
func (s *MemorySubscriptionStore) Merges() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.merges
}

// SetGetHook installs fn to run at the start of every Get, outside the store lock.
func (s *MemorySubscriptionStore) SetGetHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getHook = fn
}

// Gets returns the number of Get calls, failed ones included.
func (s *MemorySubscriptionStore) Gets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gets
}

// Put replaces a record without merging or notifying. Test seeding only.
func (s *MemorySubscriptionStore) Put(userID string, rec *domain.SubscriptionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.docs[userID] = &memDoc{rec: rec.Clone(), seq: s.seq}
}

func (s *MemorySubscriptionStore) Get(_ context.Context, userID string) (*domain.SubscriptionRecord, error) {
	s.mu.RLock()
	hook := s.getHook
	s.mu.RUnlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, s.getErr
	}
	d, ok := s.docs[userID]
	if !ok {
		return nil, nil
	}
	return d.rec.Clone(), nil
}

func (s *MemorySubscriptionStore) Merge(_ context.Context, userID string, p domain.Patch) (*domain.SubscriptionRecord, bool, error) {
	s.mu.Lock()
	if s.mergeErr != nil {
		err := s.mergeErr
		s.mu.Unlock()
		return nil, false, err
	}
	var current *domain.SubscriptionRecord
	if d, ok := s.docs[userID]; ok {
		current = d.rec
	}
	next, applied := domain.ApplyPatch(current, p, s.now().UnixMilli())
	s.seq++
	seq := s.seq
	s.docs[userID] = &memDoc{rec: next, seq: seq}
	s.merges++
	ws := s.watchersFor(userID)
	s.mu.Unlock()

	for _, w := range ws {
		w.deliver(seq, next.Clone())
	}
	return next.Clone(), applied, nil
}

func (s *MemorySubscriptionStore) FindBySubscription(_ context.Context, subscriptionID string) (*domain.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	for userID, d := range s.docs {
		if d.rec.SubscriptionID == subscriptionID {
			return &domain.UserRecord{UserID: userID, Record: d.rec.Clone()}, nil
		}
	}
	return nil, nil
}

func (s *MemorySubscriptionStore) ListStuck(_ context.Context, status domain.Status, before int64, limit int) ([]domain.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	var out []domain.UserRecord
	for userID, d := range s.docs {
		if d.rec.Status == status && d.rec.UpdatedAt < before && d.rec.SubscriptionID != "" {
			out = append(out, domain.UserRecord{UserID: userID, Record: d.rec.Clone()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.UpdatedAt < out[j].Record.UpdatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemorySubscriptionStore) Subscribe(_ context.Context, userID string, onChange func(*domain.SubscriptionRecord), onError func(error)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.watchers[userID] == nil {
		s.watchers[userID] = make(map[uint64]*memWatcher)
	}
	s.watchers[userID][id] = &memWatcher{onChange: onChange, onError: onError}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[userID], id)
		if len(s.watchers[userID]) == 0 {
			delete(s.watchers, userID)
		}
	}, nil
}

// Watchers returns the number of active subscriptions for userID.
func (s *MemorySubscriptionStore) Watchers(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers[userID])
}

// FailSubscribers delivers err to every subscription error callback.
func (s *MemorySubscriptionStore) FailSubscribers(err error) {
	s.mu.RLock()
	var ws []*memWatcher
	for userID := range s.watchers {
		ws = append(ws, s.watchersFor(userID)...)
	}
	s.mu.RUnlock()
	for _, w := range ws {
		if w.onError != nil {
			w.onError(err)
		}
	}
}

func (s *MemorySubscriptionStore) watchersFor(userID string) []*memWatcher {
	ws := make([]*memWatcher, 0, len(s.watchers[userID]))
	for _, w := range s.watchers[userID] {
		ws = append(ws, w)
	}
	return ws
}
