package models

import (
	"bytes"
	"encoding/json"

	"github.com/elliotchance/orderedmap"
	"github.com/pkg/errors"
)

func orderedKeys(m *orderedmap.OrderedMap) []string {
	if m == nil {
		return nil
	}
	keys := m.Keys()
	ret := make([]string, 0, len(keys))
	for _, k := range keys {
		ret = append(ret, k.(string))
	}
	return ret
}

// marshalOrdered writes a JSON object whose keys keep insertion order.
func marshalOrdered(m *orderedmap.OrderedMap) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range orderedKeys(m) {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal key")
		}
		v, _ := m.Get(k)
		vb, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to marshal value for %q", k)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// unmarshalOrdered walks a JSON object in document order, handing each key
// to decode so the value can be read straight from the token stream.
func unmarshalOrdered(data []byte, decode func(key string, dec *json.Decoder) error) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return errors.Wrap(err, "failed to read object")
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.Errorf("expected JSON object, found %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return errors.Wrap(err, "failed to read key")
		}
		key, ok := tok.(string)
		if !ok {
			return errors.Errorf("expected string key, found %v", tok)
		}
		if err := decode(key, dec); err != nil {
			return errors.Wrapf(err, "failed to decode %q", key)
		}
	}
	_, err = dec.Token()
	return errors.Wrap(err, "failed to close object")
}
