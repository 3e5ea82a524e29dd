package models

import (
	"encoding/json"

	"github.com/elliotchance/orderedmap"
)

// ImportTable maps a library (or a synthetic group such as
// "Shared Libraries (DT_NEEDED)") to the names imported from it.
// Libraries keep the order they were first seen in.
type ImportTable struct {
	m *orderedmap.OrderedMap
}

func NewImportTable() *ImportTable {
	return &ImportTable{m: orderedmap.NewOrderedMap()}
}

func (t *ImportTable) init() {
	if t.m == nil {
		t.m = orderedmap.NewOrderedMap()
	}
}

// Add appends names to lib, creating the entry on first use.
// Adding no names to an unknown library is a no-op.
func (t *ImportTable) Add(lib string, names ...string) {
	t.init()
	if v, ok := t.m.Get(lib); ok {
		t.m.Set(lib, append(v.([]string), names...))
	} else if len(names) > 0 {
		t.m.Set(lib, append([]string(nil), names...))
	}
}

func (t *ImportTable) Get(lib string) []string {
	if t == nil || t.m == nil {
		return nil
	}
	if v, ok := t.m.Get(lib); ok {
		return v.([]string)
	}
	return nil
}

func (t *ImportTable) Libraries() []string {
	if t == nil {
		return nil
	}
	return orderedKeys(t.m)
}

func (t *ImportTable) Len() int {
	if t == nil || t.m == nil {
		return 0
	}
	return t.m.Len()
}

func (t *ImportTable) MarshalJSON() ([]byte, error) {
	t.init()
	return marshalOrdered(t.m)
}

func (t *ImportTable) UnmarshalJSON(data []byte) error {
	t.m = orderedmap.NewOrderedMap()
	return unmarshalOrdered(data, func(key string, dec *json.Decoder) error {
		var v []string
		if err := dec.Decode(&v); err != nil {
			return err
		}
		t.m.Set(key, v)
		return nil
	})
}
