package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/tidwall/gjson"
)

// ErrMalformedRecord is returned for payloads that do not carry a usable
// numeric "id" field.
var ErrMalformedRecord = errors.New("malformed record")

// Record is a single entity as delivered by the server. Only the identity
// field is interpreted; everything else is kept verbatim.
type Record struct {
	ID  int64
	Raw json.RawMessage
}

// NewRecord validates raw and extracts its id. Accepted ids are JSON
// integers or strings holding a base-10 integer.
func NewRecord(raw []byte) (Record, error) {
	if !gjson.ValidBytes(raw) {
		return Record{}, fmt.Errorf("%w: invalid json", ErrMalformedRecord)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Record{}, fmt.Errorf("%w: not an object", ErrMalformedRecord)
	}
	id, err := parseID(doc.Get("id"))
	if err != nil {
		return Record{}, err
	}
	return Record{ID: id, Raw: append(json.RawMessage(nil), raw...)}, nil
}

// ParseID extracts an entity id from a gjson value using the same rules as
// NewRecord.
func ParseID(v gjson.Result) (int64, error) {
	return parseID(v)
}

func parseID(v gjson.Result) (int64, error) {
	switch v.Type {
	case gjson.Number:
		if v.Num != math.Trunc(v.Num) {
			return 0, fmt.Errorf("%w: fractional id %s", ErrMalformedRecord, v.Raw)
		}
		id, err := strconv.ParseInt(v.Raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: id %s: %v", ErrMalformedRecord, v.Raw, err)
		}
		return id, nil
	case gjson.String:
		id, err := strconv.ParseInt(v.Str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: non-numeric id %q", ErrMalformedRecord, v.Str)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
}

// Valid reports whether r was built from an accepted payload.
func (r Record) Valid() bool {
	return len(r.Raw) > 0
}

// Get reads a field of the record using gjson path syntax.
func (r Record) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Raw, path)
}

// merge overlays fields onto r and returns the combined record. The id of r
// always wins. fields must be a JSON object; anything else leaves r as is.
func (r Record) merge(id int64, fields json.RawMessage) (Record, error) {
	out := map[string]json.RawMessage{}
	if r.Valid() {
		if err := json.Unmarshal(r.Raw, &out); err != nil {
			return Record{}, fmt.Errorf("decode base record: %w", err)
		}
	}
	if len(fields) > 0 {
		var patch map[string]json.RawMessage
		if err := json.Unmarshal(fields, &patch); err != nil {
			return Record{}, fmt.Errorf("%w: patch is not an object", ErrMalformedRecord)
		}
		for k, v := range patch {
			out[k] = v
		}
	}
	out["id"] = json.RawMessage(strconv.FormatInt(id, 10))
	raw, err := json.Marshal(out)
	if err != nil {
		return Record{}, fmt.Errorf("encode merged record: %w", err)
	}
	return Record{ID: id, Raw: raw}, nil
}
