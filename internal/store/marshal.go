package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/torque/internal/torque"
)

// record is anything persisted as a JSON body column.
type record interface {
	torque.Specification | torque.Session | torque.Event
}

func recordKind(v any) string {
	switch v.(type) {
	case torque.Specification, *torque.Specification:
		return "specification"
	case torque.Session, *torque.Session:
		return "session"
	default:
		return "event"
	}
}

// encodeRecord renders the body column. HTML escaping is off so stored
// bodies match the CLI's JSON output byte for byte.
func encodeRecord[T record](v T) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode %s: %w", recordKind(v), err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func decodeRecord[T record](body string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", recordKind(v), err)
	}
	return v, nil
}
