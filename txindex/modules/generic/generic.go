// Package generic registers a catch-all index extractor for transactions
// whose payload is a flat JSON object: every string-valued field becomes
// an index term keyed by its field name. It exists as a working example of
// the self-registration contract other txindex modules follow.
package generic

import (
	"encoding/json"

	"github.com/dragonet/chainnode/core"
	"github.com/dragonet/chainnode/txindex"
)

// TxType is the generic index module's registered transaction type.
const TxType core.TxType = "generic"

func init() {
	txindex.Register(TxType, 0, extract)
}

func extract(tx *core.Transaction, payload json.RawMessage) (map[string]string, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, nil // not a flat object; nothing to index
	}
	terms := make(map[string]string, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			continue
		}
		terms[k] = s
	}
	if len(terms) == 0 {
		return nil, nil
	}
	return terms, nil
}
