package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// quantity accepts either a JSON number or a JSON string ("0x1" or "1").
// Some nodes encode simulation call fields as plain numbers.
type quantity uint64

func (q *quantity) UnmarshalJSON(input []byte) error {
	var s string
	if err := json.Unmarshal(input, &s); err == nil {
		s = strings.TrimSpace(s)
		base := 10
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			base = 16
			s = s[2:]
		}
		v, err := strconv.ParseUint(s, base, 64)
		if err != nil {
			return fmt.Errorf("invalid quantity %q: %w", s, err)
		}
		*q = quantity(v)
		return nil
	}

	var n uint64
	if err := json.Unmarshal(input, &n); err != nil {
		return fmt.Errorf("invalid quantity %s", string(input))
	}
	*q = quantity(n)
	return nil
}

// lenientBytes is like hexutil.Bytes, but accepts a missing 0x prefix and
// an empty string.
type lenientBytes []byte

func (b *lenientBytes) UnmarshalJSON(input []byte) error {
	var s string
	if err := json.Unmarshal(input, &s); err != nil {
		return err
	}
	if s == "" || s == "0x" {
		*b = []byte{}
		return nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	decoded, err := hexutil.Decode(s)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// fieldDecoder decodes the members of one JSON object and reports every
// failure as WireError carrying the member path.
type fieldDecoder struct {
	path   string
	fields map[string]json.RawMessage
}

func newFieldDecoder(path string, raw json.RawMessage) (*fieldDecoder, error) {
	if isNullJSON(raw) {
		return nil, &WireError{Path: path, Err: ErrMissingField}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &WireError{Path: path, Err: err}
	}

	return &fieldDecoder{path: path, fields: fields}, nil
}

func (d *fieldDecoder) fieldPath(name string) string {
	return d.path + "." + name
}

func (d *fieldDecoder) required(name string, dst interface{}) error {
	raw, ok := d.fields[name]
	if !ok || isNullJSON(raw) {
		return &WireError{Path: d.fieldPath(name), Err: ErrMissingField}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &WireError{Path: d.fieldPath(name), Err: err}
	}
	return nil
}

func (d *fieldDecoder) optional(name string, dst interface{}) (bool, error) {
	raw, ok := d.fields[name]
	if !ok || isNullJSON(raw) {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, &WireError{Path: d.fieldPath(name), Err: err}
	}
	return true, nil
}

func (d *fieldDecoder) array(name string, required bool) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if required {
		if err := d.required(name, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	if _, err := d.optional(name, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func isNullJSON(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
