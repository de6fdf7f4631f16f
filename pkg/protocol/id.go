package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
)

// RequestID identifies a request and its response. On the wire it is either
// a JSON integer or a JSON string; the two forms never compare equal.
type RequestID struct {
	num   int64
	str   string
	isStr bool
}

// NumberID returns a numeric request id
func NumberID(n int64) RequestID {
	return RequestID{num: n}
}

// StringID returns a string request id
func StringID(s string) RequestID {
	return RequestID{str: s, isStr: true}
}

// IsString reports whether the id uses the string form
func (id RequestID) IsString() bool {
	return id.isStr
}

// Number returns the numeric value and whether the id is numeric
func (id RequestID) Number() (int64, bool) {
	return id.num, !id.isStr
}

// String returns the id as it would appear to a human, without quoting
func (id RequestID) String() string {
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

// Key returns a map key that keeps numeric and string ids apart
func (id RequestID) Key() string {
	if id.isStr {
		return "s:" + id.str
	}
	return "n:" + strconv.FormatInt(id.num, 10)
}

// MarshalJSON implements json.Marshaler
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return strconv.AppendInt(nil, id.num, 10), nil
}

// UnmarshalJSON accepts a JSON string or integer. Floats, booleans, null and
// structured values are rejected.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return mcperrors.SerializationError("empty request id", nil)
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return mcperrors.SerializationError("invalid string request id", err)
		}
		*id = StringID(s)
		return nil
	}

	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return mcperrors.SerializationError("request id must be a string or integer", err).
			WithDetail(string(data))
	}
	*id = NumberID(n)
	return nil
}
