package transport

import "errors"

// asString/asBool/asInt64/asUint64 coerce a json.Unmarshal'd
// interface{} (string, bool, or float64 — encoding/json's default
// number type) back to the typed positional parameter. Both the
// original-typed values (set directly by encodeRequest, for the
// in-process no-roundtrip case) and the decoded-from-JSON float64 case
// are handled.
func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asUint64(v interface{}) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case uint32:
		return uint64(n)
	case int64:
		return uint64(n)
	case int:
		return uint64(n)
	case float64:
		return uint64(n)
	default:
		return 0
	}
}

func errorAs[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
