// Package broadcast implements the L1-only broadcast processor: the claim
// lifecycle driver (block loop + notification loop) and the inbound
// receipt handler.
package broadcast

import (
	"sync"
	"time"
)

// BlockState tracks one L1 block's progress through the verification
// pipeline, guarded by State's mutex rather than its own.
type BlockState struct {
	BlockID      string
	CurrentLevel int // highest level still accepting verifications; 6 means done
	Received     map[int]map[string]bool
	Schedule     time.Time
	// StorageErrorCount counts consecutive failures to assemble a
	// broadcast DTO (waiting on durability of the prior level's receipts).
	StorageErrorCount map[int]int
	// Score is 0 until the block has been broadcast once at CurrentLevel,
	// distinguishing a fresh block from one being re-visited for
	// promotion or non-responder replacement.
	Score int
}

// State is the in-memory broadcast bookkeeping for every L1 block this
// chain is still tracking. Guarded by a single mutex; this chain's own
// broadcast processor is the sole writer.
type State struct {
	mu     sync.RWMutex
	blocks map[string]*BlockState
	// notificationQueue holds storage keys of receipts not yet delivered
	// to any configured VERIFICATION_NOTIFICATION webhook.
	notificationQueue map[string]bool
}

// NewState creates an empty broadcast State.
func NewState() *State {
	return &State{
		blocks:            make(map[string]*BlockState),
		notificationQueue: make(map[string]bool),
	}
}

// Track begins tracking a freshly-produced L1 block at level 2.
func (s *State) Track(blockID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[blockID] = &BlockState{
		BlockID:           blockID,
		CurrentLevel:      2,
		Received:          map[int]map[string]bool{2: {}, 3: {}, 4: {}, 5: {}},
		Schedule:          at,
		StorageErrorCount: map[int]int{},
	}
}

// Due returns every tracked block whose Schedule has passed.
func (s *State) Due(now time.Time) []*BlockState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*BlockState
	for _, b := range s.blocks {
		if !b.Schedule.After(now) {
			out = append(out, b)
		}
	}
	return out
}

// Get returns the tracked state for blockID, or nil.
func (s *State) Get(blockID string) *BlockState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocks[blockID]
}

// Reschedule sets a block's next due time and score.
func (s *State) Reschedule(blockID string, at time.Time, score int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blocks[blockID]; ok {
		b.Schedule = at
		b.Score = score
	}
}

// Promote advances blockID to the next level, rescheduling it immediately
// with score 0 (fresh broadcast).
func (s *State) Promote(blockID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[blockID]
	if !ok {
		return
	}
	b.CurrentLevel++
	b.Schedule = now
	b.Score = 0
}

// Remove stops tracking blockID (it has finished level 5 verification).
func (s *State) Remove(blockID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, blockID)
}

// RecordReceipt marks dcID as having responded for blockID at level.
// Returns false if the block isn't tracked or has already promoted past
// level (ErrNotAcceptingVerifications territory).
func (s *State) RecordReceipt(blockID string, level int, dcID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[blockID]
	if !ok || b.CurrentLevel > level {
		return false
	}
	if b.Received[level] == nil {
		b.Received[level] = map[string]bool{}
	}
	b.Received[level][dcID] = true
	return true
}

// ResponseCount returns how many distinct chains have responded for
// blockID at level.
func (s *State) ResponseCount(blockID string, level int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[blockID]
	if !ok {
		return 0
	}
	return len(b.Received[level])
}

// QueueNotification marks storageKey as pending delivery to configured
// webhooks.
func (s *State) QueueNotification(storageKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notificationQueue[storageKey] = true
}

// PendingNotifications returns every storage key still queued.
func (s *State) PendingNotifications() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.notificationQueue))
	for k := range s.notificationQueue {
		out = append(out, k)
	}
	return out
}

// AckNotification removes storageKey from the queue once delivered.
func (s *State) AckNotification(storageKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notificationQueue, storageKey)
}
