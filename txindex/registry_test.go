package txindex

import (
	"encoding/json"
	"testing"

	"github.com/dragonet/chainnode/core"
)

func passthrough(tx *core.Transaction, payload json.RawMessage) (map[string]string, error) {
	return map[string]string{"seen": tx.TxnID}, nil
}

// TestActivationGating: a definition never dispatches before its
// active_since_block is reached, and the watermark only moves forward.
func TestActivationGating(t *testing.T) {
	r := NewRegistry()
	r.Register("orders", Definition{ActiveSinceBlock: 100, Handler: passthrough})
	tx := &core.Transaction{TxnID: "tx1", TxnType: "orders"}

	terms, err := r.Extract(tx)
	if err != nil || terms != nil {
		t.Fatalf("Extract before any activation = (%v, %v), want (nil, nil)", terms, err)
	}

	r.ActivateThrough(99)
	if terms, _ := r.Extract(tx); terms != nil {
		t.Fatalf("Extract at block 99 dispatched a definition active since 100: %v", terms)
	}

	r.ActivateThrough(100)
	terms, err = r.Extract(tx)
	if err != nil || terms["seen"] != "tx1" {
		t.Fatalf("Extract at block 100 = (%v, %v), want the handler's terms", terms, err)
	}

	// A lagging caller must not roll activation back.
	r.ActivateThrough(50)
	if terms, _ := r.Extract(tx); terms["seen"] != "tx1" {
		t.Fatal("ActivateThrough(50) deactivated a definition turned on at 100")
	}
}

// TestZeroActiveSince: the common case of a definition meant to apply from
// the start still waits for the tick's first activation pass.
func TestZeroActiveSince(t *testing.T) {
	r := NewRegistry()
	r.Register("generic", Definition{Handler: passthrough})
	tx := &core.Transaction{TxnID: "tx2", TxnType: "generic"}

	if terms, _ := r.Extract(tx); terms != nil {
		t.Fatalf("definition dispatched before the first activation pass: %v", terms)
	}
	r.ActivateThrough(0)
	if terms, _ := r.Extract(tx); terms["seen"] != "tx2" {
		t.Fatal("zero-ActiveSinceBlock definition inactive after activation at block 0")
	}
}
