// Package events is a small synchronous pub/sub broker used to fan out
// pipeline lifecycle notifications (block production, receipt acceptance,
// claim promotion) to local subscribers such as the indexer.
package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// EventType labels what happened in the verification pipeline.
type EventType string

const (
	// EventBlockProduced fires once a level executor finalizes a new
	// block (any level).
	EventBlockProduced EventType = "block_produced"
	// EventReceiptAccepted fires when an L1 accepts an inbound receipt
	// for one of its own blocks.
	EventReceiptAccepted EventType = "receipt_accepted"
	// EventPromotion fires when a tracked block's current_level advances.
	EventPromotion EventType = "promotion"
	// EventClaimResolved fires when matchmaking confirms a claim has been
	// fully verified (L5 anchor finalized).
	EventClaimResolved EventType = "claim_resolved"
	// EventAnchorConfirmed fires when an L5 public-chain anchor
	// transaction reaches confirmation.
	EventAnchorConfirmed EventType = "anchor_confirmed"
)

// Event carries a typed payload emitted after a pipeline state change.
type Event struct {
	Type      EventType      `json:"type"`
	DCID      string         `json:"dc_id"`
	Level     int            `json:"level,omitempty"`
	BlockID   string         `json:"block_id,omitempty"`
	L1BlockID string         `json:"l1_block_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter(log zerolog.Logger) *Emitter {
	return &Emitter{handlers: make(map[EventType][]Handler), log: log}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// Emit delivers ev to all subscribers for ev.Type synchronously. Each
// handler is guarded by panic recovery so a misbehaving subscriber cannot
// crash the node or halt a tick.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Str("event", string(ev.Type)).Msg("event handler panicked")
				}
			}()
			h(ev)
		}()
	}
}
