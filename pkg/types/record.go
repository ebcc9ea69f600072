// Package types defines the data model the rest of wparse is built on: the
// tagged-union field Value, the ordered DataRecord it lives in, and the raw
// SourceEvent/SourceBatch shapes pickers hand to parsers.
package types

import (
	"fmt"
	"net"
	"time"
)

// Kind identifies which variant of Value is populated.
type Kind int

const (
	KindNull Kind = iota
	KindIgnore
	KindChars
	KindDigit
	KindFloat
	KindBool
	KindIPAddr
	KindTime
	KindArray
	KindObj
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindIgnore:
		return "ignore"
	case KindChars:
		return "chars"
	case KindDigit:
		return "digit"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindIPAddr:
		return "ip"
	case KindTime:
		return "time"
	case KindArray:
		return "array"
	case KindObj:
		return "obj"
	default:
		return "unknown"
	}
}

// DataType enumerates the value kinds a field may be declared as, plus the
// two meta types Auto (infer at use site) and Json (delegate to a JSON
// sub-parser). DataType is what WPL/OML AST nodes carry; Kind is what a
// concrete Value instance carries.
type DataType int

const (
	TypeAuto DataType = iota
	TypeJson
	TypeChars
	TypeDigit
	TypeFloat
	TypeBool
	TypeIP
	TypeTime
	TypeArray
	TypeObj
)

func (t DataType) String() string {
	switch t {
	case TypeAuto:
		return "auto"
	case TypeJson:
		return "json"
	case TypeChars:
		return "chars"
	case TypeDigit:
		return "digit"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeIP:
		return "ip"
	case TypeTime:
		return "time"
	case TypeArray:
		return "array"
	case TypeObj:
		return "obj"
	default:
		return "unknown"
	}
}

// Value is the engine's tagged union. Only the field matching Kind is
// meaningful; callers should use the typed accessors below rather than
// reaching into the struct directly.
type Value struct {
	Kind  Kind
	Chars string
	Digit int64
	Float float64
	Bool  bool
	IP    net.IP
	Time  time.Time
	Array []DataField
	Obj   []DataField
}

func Null() Value      { return Value{Kind: KindNull} }
func Ignore() Value    { return Value{Kind: KindIgnore} }
func Chars(s string) Value  { return Value{Kind: KindChars, Chars: s} }
func Digit(v int64) Value   { return Value{Kind: KindDigit, Digit: v} }
func Float(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func Bool(v bool) Value     { return Value{Kind: KindBool, Bool: v} }
func IPAddr(ip net.IP) Value { return Value{Kind: KindIPAddr, IP: ip} }
func TimeVal(t time.Time) Value { return Value{Kind: KindTime, Time: t} }
func Array(v []DataField) Value { return Value{Kind: KindArray, Array: v} }
func Obj(v []DataField) Value   { return Value{Kind: KindObj, Obj: v} }

// IsIgnore reports whether this value must be dropped at serialization time.
func (v Value) IsIgnore() bool { return v.Kind == KindIgnore }

// IsEmpty reports whether the value is the "zero" representation of its
// kind, used by pipes like skip_if_empty. An Obj is empty only when it has
// zero fields, not when every field inside it is Ignore.
func (v Value) IsEmpty() bool {
	switch v.Kind {
	case KindNull:
		return true
	case KindChars:
		return v.Chars == ""
	case KindArray:
		return len(v.Array) == 0
	case KindObj:
		return len(v.Obj) == 0
	default:
		return false
	}
}

// Raw renders the value using the default textual formatter, the same one
// the Chars-target type-conversion path uses.
func (v Value) Raw() string {
	switch v.Kind {
	case KindNull, KindIgnore:
		return ""
	case KindChars:
		return v.Chars
	case KindDigit:
		return fmt.Sprintf("%d", v.Digit)
	case KindFloat:
		return fmt.Sprintf("%v", v.Float)
	case KindBool:
		return fmt.Sprintf("%v", v.Bool)
	case KindIPAddr:
		return v.IP.String()
	case KindTime:
		return v.Time.Format(time.RFC3339Nano)
	case KindArray:
		out := "["
		for i, f := range v.Array {
			if i > 0 {
				out += ","
			}
			out += f.Value.Raw()
		}
		return out + "]"
	case KindObj:
		out := "{"
		for i, f := range v.Obj {
			if i > 0 {
				out += ","
			}
			out += f.Name + ":" + f.Value.Raw()
		}
		return out + "}"
	default:
		return ""
	}
}

// DataField is one named, typed slot inside a DataRecord or a nested
// Array/Obj value.
type DataField struct {
	Meta  DataType
	Name  string
	Value Value
}

func NewField(name string, v Value) DataField {
	return DataField{Meta: kindToType(v.Kind), Name: name, Value: v}
}

func kindToType(k Kind) DataType {
	switch k {
	case KindChars:
		return TypeChars
	case KindDigit:
		return TypeDigit
	case KindFloat:
		return TypeFloat
	case KindBool:
		return TypeBool
	case KindIPAddr:
		return TypeIP
	case KindTime:
		return TypeTime
	case KindArray:
		return TypeArray
	case KindObj:
		return TypeObj
	default:
		return TypeAuto
	}
}

// DataRecord is an ordered sequence of fields plus an optional event id.
// Field lookup is intentionally O(n): records are small (tens of fields),
// and preserving insertion order for serialization matters more than
// lookup speed.
type DataRecord struct {
	Fields  []DataField
	EventID *uint64
}

// Get returns the first field named name; duplicate names resolve to the
// first match.
func (r *DataRecord) Get(name string) (DataField, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return DataField{}, false
}

// Append adds a field to the end of the record, preserving order.
func (r *DataRecord) Append(f DataField) {
	r.Fields = append(r.Fields, f)
}

// Take removes and returns the first field with the given name.
func (r *DataRecord) Take(name string) (DataField, bool) {
	for i, f := range r.Fields {
		if f.Name == name {
			r.Fields = append(r.Fields[:i], r.Fields[i+1:]...)
			return f, true
		}
	}
	return DataField{}, false
}

// Clone performs a shallow copy sufficient for the evaluators' working-set
// semantics: the field slice is copied, Value contents are shared (Values
// are treated as immutable once constructed).
func (r *DataRecord) Clone() *DataRecord {
	out := &DataRecord{Fields: make([]DataField, len(r.Fields))}
	copy(out.Fields, r.Fields)
	if r.EventID != nil {
		id := *r.EventID
		out.EventID = &id
	}
	return out
}
