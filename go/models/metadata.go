package models

import (
	"encoding/json"

	"github.com/elliotchance/orderedmap"
)

// Metadata holds file-level header fields in the order a decoder found them.
// The zero value is ready to use.
type Metadata struct {
	m *orderedmap.OrderedMap
}

func NewMetadata() *Metadata {
	return &Metadata{m: orderedmap.NewOrderedMap()}
}

func (md *Metadata) init() {
	if md.m == nil {
		md.m = orderedmap.NewOrderedMap()
	}
}

// Set adds or replaces a field. Replacing keeps the original position.
func (md *Metadata) Set(key, value string) {
	md.init()
	md.m.Set(key, value)
}

func (md *Metadata) Get(key string) (string, bool) {
	if md == nil || md.m == nil {
		return "", false
	}
	v, ok := md.m.Get(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (md *Metadata) Keys() []string {
	if md == nil {
		return nil
	}
	return orderedKeys(md.m)
}

func (md *Metadata) Len() int {
	if md == nil || md.m == nil {
		return 0
	}
	return md.m.Len()
}

func (md *Metadata) MarshalJSON() ([]byte, error) {
	md.init()
	return marshalOrdered(md.m)
}

func (md *Metadata) UnmarshalJSON(data []byte) error {
	md.m = orderedmap.NewOrderedMap()
	return unmarshalOrdered(data, func(key string, dec *json.Decoder) error {
		var v string
		if err := dec.Decode(&v); err != nil {
			return err
		}
		md.m.Set(key, v)
		return nil
	})
}
