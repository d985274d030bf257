// Package indexer maintains a secondary index over L1 transactions'
// tags and custom-index terms, so a client can query "every transaction
// tagged X" or "every transaction whose payload field F equals V" without
// scanning the object store.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dragonet/chainnode/core"
	"github.com/dragonet/chainnode/storage"
	"github.com/dragonet/chainnode/txindex"
)

const (
	prefixTag  = "idx:tag:"
	prefixTerm = "idx:term:"
)

// Indexer maintains lookup tables over L1 transactions. It satisfies
// level.Indexer, so L1's tick calls IndexTransaction directly for every
// transaction it fixates rather than going through a pub/sub event.
type Indexer struct {
	db       storage.DB
	registry *txindex.Registry
}

// New creates an Indexer backed by db, using registry to extract custom
// index terms from each transaction's payload.
func New(db storage.DB, registry *txindex.Registry) *Indexer {
	return &Indexer{db: db, registry: registry}
}

// ActivateThrough enables every registered custom-index definition whose
// active_since_block is at or below blockID. The L1 executor calls this
// with the current block id at the top of each tick, before fixation.
func (idx *Indexer) ActivateThrough(blockID int64) {
	idx.registry.ActivateThrough(blockID)
}

// GetByTag returns the ids of every transaction committed with tag.
func (idx *Indexer) GetByTag(tag string) ([]string, error) {
	return idx.getList(prefixTag + tag)
}

// GetByTerm returns the ids of every transaction whose custom index
// carried field=value.
func (idx *Indexer) GetByTerm(field, value string) ([]string, error) {
	return idx.getList(prefixTerm + field + ":" + value)
}

// IndexTransaction records tx's tag and any custom-index terms its
// TxnType's txindex.Handler extracts from its payload.
func (idx *Indexer) IndexTransaction(tx *core.Transaction) error {
	if tx.Tag != "" {
		if err := idx.addToList(prefixTag+tx.Tag, tx.TxnID); err != nil {
			return fmt.Errorf("indexer: tag index write: %w", err)
		}
	}

	terms, err := idx.registry.Extract(tx)
	if err != nil {
		return fmt.Errorf("indexer: custom index extraction: %w", err)
	}
	for field, value := range terms {
		if err := idx.addToList(prefixTerm+field+":"+value, tx.TxnID); err != nil {
			return fmt.Errorf("indexer: term index write: %w", err)
		}
	}
	return nil
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]string, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("indexer: unmarshal: %w", err)
	}
	return ids, nil
}

func (idx *Indexer) addToList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	for _, id := range ids {
		if id == value {
			return nil
		}
	}
	ids = append(ids, value)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
