package provider

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Params is the opaque set of client fields a request builder picks from.
type Params map[string]json.RawMessage

func (p Params) result(key string) (gjson.Result, bool) {
	raw, ok := p[key]
	if !ok || !gjson.ValidBytes(raw) {
		return gjson.Result{}, false
	}
	return gjson.ParseBytes(raw), true
}

// Number returns the numeric value of key.
func (p Params) Number(key string) (float64, bool) {
	r, ok := p.result(key)
	if !ok || r.Type != gjson.Number {
		return 0, false
	}
	return r.Float(), true
}

// String returns the string value of key.
func (p Params) String(key string) (string, bool) {
	r, ok := p.result(key)
	if !ok || r.Type != gjson.String {
		return "", false
	}
	return r.String(), true
}

// Object returns the raw value of key when it is a JSON object.
func (p Params) Object(key string) (json.RawMessage, bool) {
	r, ok := p.result(key)
	if !ok || !r.IsObject() {
		return nil, false
	}
	return json.RawMessage(r.Raw), true
}

// Array returns the raw value of key when it is a JSON array.
func (p Params) Array(key string) (json.RawMessage, bool) {
	r, ok := p.result(key)
	if !ok || !r.IsArray() {
		return nil, false
	}
	return json.RawMessage(r.Raw), true
}

// Raw returns the verbatim value of key when it is valid JSON other than null.
func (p Params) Raw(key string) (json.RawMessage, bool) {
	r, ok := p.result(key)
	if !ok || r.Type == gjson.Null {
		return nil, false
	}
	return json.RawMessage(r.Raw), true
}

// FirstObject returns the first key, in order, holding a JSON object.
func (p Params) FirstObject(keys ...string) (json.RawMessage, bool) {
	for _, key := range keys {
		if v, ok := p.Object(key); ok {
			return v, true
		}
	}
	return nil, false
}
