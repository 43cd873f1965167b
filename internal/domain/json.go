package domain

import "encoding/json"

// jsonUnmarshal is split out so the custom TaskMessage decoder does not
// recurse into itself.
func jsonUnmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// EncodeJSON marshals v as UTF-8 JSON; every queue and KV payload goes
// through it so the wire encoding is defined in one place.
func EncodeJSON(v any) ([]byte, error) { return json.Marshal(v) }
