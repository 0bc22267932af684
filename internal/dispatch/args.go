package dispatch

import (
	"encoding/base64"
	"fmt"
	"math"
)

// Args holds the named arguments of one call, as decoded from the host's JSON payload.
type Args map[string]interface{}

// String returns the string argument key, or "" when absent or not a string.
func (a Args) String(key string) string {
	if a == nil {
		return ""
	}
	s, _ := a[key].(string)
	return s
}

// Bytes decodes a binary argument. Accepted forms: []byte, a base64 string, or an
// array of integers in 0..255. An absent key yields nil without error.
func (a Args) Bytes(key string) ([]byte, error) {
	if a == nil {
		return nil, nil
	}

	switch v := a[key].(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		data, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid base64: %w", key, err)
		}
		return data, nil
	case []int:
		out := make([]byte, len(v))
		for i, n := range v {
			if n < 0 || n > math.MaxUint8 {
				return nil, fmt.Errorf("%s[%d]: %d is not a byte value", key, i, n)
			}
			out[i] = byte(n)
		}
		return out, nil
	case []interface{}:
		out := make([]byte, len(v))
		for i, item := range v {
			n, ok := item.(float64)
			if !ok || n != math.Trunc(n) || n < 0 || n > math.MaxUint8 {
				return nil, fmt.Errorf("%s[%d]: %v is not a byte value", key, i, item)
			}
			out[i] = byte(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: unsupported type %T", key, v)
	}
}
