package controller

import (
	"encoding/json"
	"math"
)

// args reads loosely typed command parameters. A field with the wrong JSON
// type is treated as absent.
type args map[string]json.RawMessage

func newArgs(raw json.RawMessage) args {
	var a args
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &a)
	}
	if a == nil {
		a = args{}
	}
	return a
}

func (a args) str(key string) (string, bool) {
	var s string
	raw, ok := a[key]
	if !ok || json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

func (a args) strPtr(key string) *string {
	if s, ok := a.str(key); ok {
		return &s
	}
	return nil
}

func (a args) boolean(key string) (bool, bool) {
	var b bool
	raw, ok := a[key]
	if !ok || json.Unmarshal(raw, &b) != nil {
		return false, false
	}
	return b, true
}

func (a args) boolPtr(key string) *bool {
	if b, ok := a.boolean(key); ok {
		return &b
	}
	return nil
}

func (a args) number(key string) (float64, bool) {
	var f float64
	raw, ok := a[key]
	if !ok || json.Unmarshal(raw, &f) != nil {
		return 0, false
	}
	return f, true
}

func (a args) numberPtr(key string) *float64 {
	if f, ok := a.number(key); ok {
		return &f
	}
	return nil
}

// integer accepts whole JSON numbers only.
func (a args) integer(key string) (int, bool) {
	f, ok := a.number(key)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func (a args) array(key string) ([]json.RawMessage, bool) {
	var items []json.RawMessage
	raw, ok := a[key]
	if !ok || json.Unmarshal(raw, &items) != nil || items == nil {
		return nil, false
	}
	return items, true
}
