package condition

import (
	"bytes"
	"encoding/json"

	"github.com/diegoholiveira/jsonlogic/v3"
)

// evalExpr runs a JSON-logic rule against the context. Only a literal true
// result matches.
func evalExpr(rule json.RawMessage, fields Fields) bool {
	if len(rule) == 0 {
		return false
	}
	data, err := json.Marshal(plain(fields))
	if err != nil {
		return false
	}
	var out bytes.Buffer
	if err := jsonlogic.Apply(bytes.NewReader(rule), bytes.NewReader(data), &out); err != nil {
		return false
	}
	var result any
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &result); err != nil {
		return false
	}
	b, ok := result.(bool)
	return ok && b
}
