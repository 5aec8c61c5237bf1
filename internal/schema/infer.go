// Package schema derives destination column declarations from a dataset's
// per-column type tags.
package schema

import (
	"bytes"
	"encoding/json"

	"bulkload/internal/dataset"
)

// Column is one entry of a Mapping.
type Column struct {
	Name string
	Type dataset.ColumnType
	Decl string
}

// Mapping is the ordered column name to declaration mapping for one load.
// Its order matches the dataset's column order.
type Mapping []Column

// Infer builds the Mapping for ds using tm. It never fails: tags without a
// declaration degrade to the map's text fallback.
func Infer(ds *dataset.Dataset, tm TypeMap) Mapping {
	cols := ds.Columns()
	types := ds.Types()

	out := make(Mapping, len(cols))
	for i, name := range cols {
		out[i] = Column{Name: name, Type: types[i], Decl: tm.Map(types[i])}
	}
	return out
}

// Names returns the column names in order.
func (m Mapping) Names() []string {
	out := make([]string, len(m))
	for i, c := range m {
		out[i] = c.Name
	}
	return out
}

// Index returns the position of name, or -1.
func (m Mapping) Index(name string) int {
	for i, c := range m {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// MarshalJSON renders the mapping as a JSON object whose keys keep column order.
func (m Mapping) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, c := range m {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(c.Decl)
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}
