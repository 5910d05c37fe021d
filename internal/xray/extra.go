package xray

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"
)

// extraFields holds the object keys a struct does not model, so that a
// decode/encode cycle does not drop settings Xray understands but we do not.
type extraFields map[string]json.RawMessage

var knownKeysCache sync.Map // reflect.Type -> []string

// knownKeys returns the JSON object keys declared by the struct tags of t.
func knownKeys(t reflect.Type) []string {
	if v, ok := knownKeysCache.Load(t); ok {
		return v.([]string)
	}
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		keys = append(keys, name)
	}
	knownKeysCache.Store(t, keys)
	return keys
}

// splitExtra decodes data into v (a pointer to struct) and returns the keys
// that v does not declare.
func splitExtra(data []byte, v any) (extraFields, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range knownKeys(reflect.TypeOf(v).Elem()) {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// joinExtra encodes v and merges the preserved keys back in. Modeled fields
// win over stale extras with the same name.
func joinExtra(v any, extra extraFields) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := all[k]; !ok {
			all[k] = raw
		}
	}
	return json.Marshal(all)
}
