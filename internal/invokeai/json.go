package invokeai

import (
	"bytes"
	"encoding/json"
	"errors"
)

// decodeJSON rejects empty bodies and preserves large integers as json.Number.
func decodeJSON(body []byte, out any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return errors.New("empty response body")
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	return decoder.Decode(out)
}

// DecodeJSON exposes the tolerant decoder for sibling packages.
func DecodeJSON(body []byte, out any) error {
	return decodeJSON(body, out)
}
