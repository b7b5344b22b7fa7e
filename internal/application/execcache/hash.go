package execcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// ComputeInputHash returns a deterministic hash of input: keys are sorted
// before marshaling so two maps with identical content but different
// insertion order hash identically (§4.3 "deterministic hash of inputs
// (canonical JSON, sorted keys)").
func ComputeInputHash(input interface{}) string {
	canonical := canonicalize(input)
	data, err := json.Marshal(canonical)
	if err != nil {
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalize rewrites a value into a form whose JSON encoding is
// deterministic: map keys come out sorted because canonicalize converts
// every map into an ordered slice of key/value pairs.
func canonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]orderedPair, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, orderedPair{Key: k, Value: canonicalize(val[k])})
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = canonicalize(item)
		}
		return out
	default:
		return val
	}
}

type orderedPair struct {
	Key   string      `json:"k"`
	Value interface{} `json:"v"`
}
