package replay

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/golang/snappy"
)

// encode gob-encodes v and compresses the result with snappy.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

// decode reverses encode into v.
func decode(data []byte, v any) error {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("snappy decode: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(v); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return nil
}
