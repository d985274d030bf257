// Package txindex extracts custom secondary-index terms from a
// transaction's payload, keyed by its TxType. Index modules self-register
// into the global registry from their own init(), but a registered
// definition stays dormant until the L1 tick activates it: each definition
// carries an ActiveSinceBlock, and the executor calls ActivateThrough with
// the current block id before fixating transactions, so a definition never
// applies to blocks older than its activation point.
package txindex

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dragonet/chainnode/core"
)

// Handler extracts zero or more index terms from a transaction's payload.
// A nil or empty result means the transaction carries no custom index for
// this TxType.
type Handler func(tx *core.Transaction, payload json.RawMessage) (map[string]string, error)

// Definition is one TxType's custom-index extractor plus the L1 block id
// it takes effect at.
type Definition struct {
	// ActiveSinceBlock is the first L1 block id this definition applies
	// to. Zero means active from the chain's first activation pass.
	ActiveSinceBlock int64
	Handler          Handler
}

// Registry maps TxTypes to Definitions. Thread-safe for concurrent
// registration, activation, and lookup.
type Registry struct {
	mu          sync.RWMutex
	definitions map[core.TxType]Definition
	// activated is the highest block id ActivateThrough has seen; only
	// definitions whose ActiveSinceBlock is at or below it dispatch.
	// -1 until the first activation pass, so nothing runs before a tick.
	activated int64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[core.TxType]Definition), activated: -1}
}

// Register associates typ with d. Panics on duplicate registration, since
// that only ever happens from a programming mistake at init time.
func (r *Registry) Register(typ core.TxType, d Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.definitions[typ]; exists {
		panic(fmt.Sprintf("txindex: definition already registered for TxType %q", typ))
	}
	r.definitions[typ] = d
}

// ActivateThrough marks every definition whose ActiveSinceBlock is at or
// below blockID as active. The watermark only moves forward: a lagging
// caller never deactivates a definition an earlier tick turned on.
func (r *Registry) ActivateThrough(blockID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if blockID > r.activated {
		r.activated = blockID
	}
}

// Extract dispatches tx to the active definition registered for its
// TxnType. Types with no registered definition, or whose definition has
// not yet activated, are not an error: most transaction types carry no
// custom index at all.
func (r *Registry) Extract(tx *core.Transaction) (map[string]string, error) {
	r.mu.RLock()
	d, ok := r.definitions[tx.TxnType]
	active := ok && d.ActiveSinceBlock <= r.activated
	r.mu.RUnlock()
	if !active {
		return nil, nil
	}
	return d.Handler(tx, tx.Payload)
}

// globalRegistry is the package-level singleton that modules register
// into from their own init().
var globalRegistry = NewRegistry()

// Register adds a definition to the global registry, taking effect at
// activeSinceBlock.
func Register(typ core.TxType, activeSinceBlock int64, h Handler) {
	globalRegistry.Register(typ, Definition{ActiveSinceBlock: activeSinceBlock, Handler: h})
}

// Global returns the package-level registry, for wiring into an indexer.
func Global() *Registry {
	return globalRegistry
}
