package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON encodes the given key/value pairs in the canonical form used
// for signing: UTF-8, keys in lexicographic order, no whitespace, no HTML
// escaping. Both signer and verifier must produce byte-identical output for
// the same input, so this is the only encoder ever used for signatures.
func CanonicalJSON(fields map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalValue(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeCanonicalValue(&buf, fields[k]); err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeCanonicalValue(buf *bytes.Buffer, v any) error {
	if m, ok := v.(map[string]any); ok {
		nested, err := CanonicalJSON(m)
		if err != nil {
			return err
		}
		buf.Write(nested)
		return nil
	}

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	// Encoder.Encode appends a newline; strip it.
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		buf.Truncate(len(b) - 1)
	}
	return nil
}
