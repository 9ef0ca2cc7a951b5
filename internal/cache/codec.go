package cache

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encode serializes a cached value with the standard library.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes with sonic, which is where the hot path is: snapshot
// reads happen on every poll, writes only when the TTL lapses.
func Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
