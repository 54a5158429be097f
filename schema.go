package datablock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/crypto/blake2b"
)

//go:generate go tool stringer -type=Kind -trimprefix=Kind

// Kind is the structural type of one schema member.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindComplex64
	KindComplex128
	KindBytes // fixed-size byte array
	KindArray
	KindString
)

// Field is one (name, kind) member of a schema.
type Field struct {
	Name string
	Kind Kind
}

// Schema describes the structure of the records a channel carries. Two
// schemas are compatible only if they are equal: same name, same members in
// the same order, same kinds.
type Schema struct {
	Name   string
	Fields []Field
}

// NewSchema builds a schema from explicit fields.
func NewSchema(name string, fields ...Field) *Schema {
	return &Schema{Name: name, Fields: append([]Field(nil), fields...)}
}

var schemaCache sync.Map // reflect.Type -> *Schema

// SchemaFor derives the schema of struct type T. Nested structs are
// flattened with dotted member names. The result is computed once per type.
func SchemaFor[T any]() (*Schema, error) {
	t := reflect.TypeFor[T]()
	if s, ok := schemaCache.Load(t); ok {
		return s.(*Schema), nil
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: schema type %s is not a struct", ErrInvalidConfig, t)
	}
	s := &Schema{Name: t.String()}
	if err := appendFields(s, t, ""); err != nil {
		return nil, err
	}
	actual, _ := schemaCache.LoadOrStore(t, s)
	return actual.(*Schema), nil
}

func appendFields(s *Schema, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := prefix + f.Name
		if f.Type.Kind() == reflect.Struct {
			if err := appendFields(s, f.Type, name+"."); err != nil {
				return err
			}
			continue
		}
		k := kindOf(f.Type)
		if k == KindInvalid {
			return fmt.Errorf("%w: member %s has unsupported type %s", ErrInvalidConfig, name, f.Type)
		}
		s.Fields = append(s.Fields, Field{Name: name, Kind: k})
	}
	return nil
}

func kindOf(t reflect.Type) Kind {
	switch t.Kind() {
	case reflect.Bool:
		return KindBool
	case reflect.Int8:
		return KindInt8
	case reflect.Int16:
		return KindInt16
	case reflect.Int32:
		return KindInt32
	case reflect.Int64:
		return KindInt64
	case reflect.Uint8:
		return KindUint8
	case reflect.Uint16:
		return KindUint16
	case reflect.Uint32:
		return KindUint32
	case reflect.Uint64:
		return KindUint64
	case reflect.Float32:
		return KindFloat32
	case reflect.Float64:
		return KindFloat64
	case reflect.Complex64:
		return KindComplex64
	case reflect.Complex128:
		return KindComplex128
	case reflect.String:
		return KindString
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return KindBytes
		}
		return KindArray
	}
	return KindInvalid
}

// Equal reports whether s and o describe the same structure.
func (s *Schema) Equal(o *Schema) bool {
	return s.Diff(o) == ""
}

// Diff describes the first difference between s and o, "" if they are equal.
func (s *Schema) Diff(o *Schema) string {
	switch {
	case s == nil && o == nil:
		return ""
	case s == nil || o == nil:
		return "one side has no schema"
	case s.Name != o.Name:
		return fmt.Sprintf("name %q != %q", s.Name, o.Name)
	}
	for i := 0; i < len(s.Fields) && i < len(o.Fields); i++ {
		a, b := s.Fields[i], o.Fields[i]
		if a.Name != b.Name {
			return fmt.Sprintf("member %d name %q != %q", i, a.Name, b.Name)
		}
		if a.Kind != b.Kind {
			return fmt.Sprintf("member %s kind %s != %s", a.Name, a.Kind, b.Kind)
		}
	}
	if len(s.Fields) != len(o.Fields) {
		return fmt.Sprintf("member count %d != %d", len(s.Fields), len(o.Fields))
	}
	return ""
}

var schemaMagic = [4]byte{'D', 'B', 'S', '1'}

var errSchemaEncoding = errors.New("datablock: malformed schema encoding")

// Encode returns the canonical binary form stored in a channel header.
func (s *Schema) Encode() []byte {
	b := append([]byte(nil), schemaMagic[:]...)
	b = binary.AppendUvarint(b, uint64(len(s.Name)))
	b = append(b, s.Name...)
	b = binary.AppendUvarint(b, uint64(len(s.Fields)))
	for _, f := range s.Fields {
		b = binary.AppendUvarint(b, uint64(len(f.Name)))
		b = append(b, f.Name...)
		b = append(b, byte(f.Kind))
	}
	return b
}

// Hash returns the BLAKE2b-256 digest of the canonical encoding.
func (s *Schema) Hash() [32]byte {
	return blake2b.Sum256(s.Encode())
}

// DecodeSchema parses the output of Encode.
func DecodeSchema(b []byte) (*Schema, error) {
	if len(b) < len(schemaMagic) || [4]byte(b[:4]) != schemaMagic {
		return nil, errSchemaEncoding
	}
	b = b[4:]
	str := func() (string, bool) {
		n, k := binary.Uvarint(b)
		if k <= 0 || uint64(len(b)-k) < n {
			return "", false
		}
		v := string(b[k : k+int(n)])
		b = b[k+int(n):]
		return v, true
	}

	name, ok := str()
	if !ok {
		return nil, errSchemaEncoding
	}
	count, k := binary.Uvarint(b)
	if k <= 0 || count > uint64(len(b)) {
		return nil, errSchemaEncoding
	}
	b = b[k:]
	s := &Schema{Name: name, Fields: make([]Field, 0, count)}
	for i := uint64(0); i < count; i++ {
		fname, ok := str()
		if !ok || len(b) < 1 {
			return nil, errSchemaEncoding
		}
		s.Fields = append(s.Fields, Field{Name: fname, Kind: Kind(b[0])})
		b = b[1:]
	}
	if len(b) != 0 {
		return nil, errSchemaEncoding
	}
	return s, nil
}

// Schema returns the schema the producer registered, nil if none.
func (c *Channel) Schema() (*Schema, error) {
	enc := c.h.Schema()
	if enc == nil {
		return nil, nil
	}
	return DecodeSchema(enc)
}

// checkSchema compares want against the registered schema. A nil want
// skips the check unless exact is set, in which case both must be absent.
func (c *Channel) checkSchema(want *Schema, exact bool) error {
	stored := c.h.Schema()
	if want == nil {
		if exact && stored != nil {
			return fmt.Errorf("%w: channel %s carries a schema", ErrSchemaMismatch, c.name)
		}
		return nil
	}
	if stored == nil {
		return fmt.Errorf("%w: channel %s has no schema, expected %s", ErrSchemaMismatch, c.name, want.Name)
	}
	if want.Hash() == c.h.SchemaHash() {
		return nil
	}
	got, err := DecodeSchema(stored)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	diff := got.Diff(want)
	if diff == "" {
		diff = "hash differs"
	}
	return fmt.Errorf("%w: channel %s: %s", ErrSchemaMismatch, c.name, diff)
}
