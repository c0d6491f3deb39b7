// Package bson implements the engine's value model: a tagged union over the
// BSON scalar and container types plus the MinValue/MaxValue sentinels used by
// index head and tail nodes.
package bson

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type identifies the runtime type carried by a Value. The declaration order
// is the cross-type sort order used by index comparisons.
type Type byte

const (
	TypeMinValue Type = iota
	TypeNull
	TypeInt32
	TypeInt64
	TypeDouble
	TypeString
	TypeDocument
	TypeArray
	TypeBinary
	TypeGuid
	TypeObjectID
	TypeBoolean
	TypeDateTime
	TypeMaxValue
)

func (t Type) String() string {
	switch t {
	case TypeMinValue:
		return "minValue"
	case TypeNull:
		return "null"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeDocument:
		return "document"
	case TypeArray:
		return "array"
	case TypeBinary:
		return "binary"
	case TypeGuid:
		return "guid"
	case TypeObjectID:
		return "objectId"
	case TypeBoolean:
		return "boolean"
	case TypeDateTime:
		return "dateTime"
	case TypeMaxValue:
		return "maxValue"
	}
	return "unknown"
}

// sortClass collapses the numeric types into a single ordering class so that
// Int32(3), Int64(3) and Double(3.0) compare equal.
func (t Type) sortClass() int {
	switch t {
	case TypeMinValue:
		return 0
	case TypeNull:
		return 1
	case TypeInt32, TypeInt64, TypeDouble:
		return 2
	case TypeString:
		return 3
	case TypeDocument:
		return 4
	case TypeArray:
		return 5
	case TypeBinary, TypeGuid:
		return 6
	case TypeObjectID:
		return 7
	case TypeBoolean:
		return 8
	case TypeDateTime:
		return 9
	case TypeMaxValue:
		return 10
	}
	return 11
}

// ObjectID is a 12-byte unique document identifier.
type ObjectID [12]byte

var objectIDCounter uint32

// NewObjectID generates an ObjectID from the current time, a random middle
// section and a monotonic counter.
func NewObjectID() ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	_, _ = rand.Read(id[4:9])
	n := atomic.AddUint32(&objectIDCounter, 1)
	id[9] = byte(n >> 16)
	id[10] = byte(n >> 8)
	id[11] = byte(n)
	return id
}

func (o ObjectID) String() string { return hex.EncodeToString(o[:]) }

// Value is the tagged union. The zero Value carries the MinValue tag; use
// Null() for a null value.
type Value struct {
	t Type
	v any
}

var (
	// MinValue sorts before every other value. Used as the skip list head key.
	MinValue = Value{t: TypeMinValue}
	// MaxValue sorts after every other value. Used as the skip list tail key.
	MaxValue = Value{t: TypeMaxValue}
)

func Null() Value                  { return Value{t: TypeNull} }
func Int32(v int32) Value          { return Value{t: TypeInt32, v: v} }
func Int64(v int64) Value          { return Value{t: TypeInt64, v: v} }
func Double(v float64) Value       { return Value{t: TypeDouble, v: v} }
func String(v string) Value        { return Value{t: TypeString, v: v} }
func Bool(v bool) Value            { return Value{t: TypeBoolean, v: v} }
func Binary(v []byte) Value        { return Value{t: TypeBinary, v: v} }
func Guid(v uuid.UUID) Value       { return Value{t: TypeGuid, v: v} }
func ObjectId(v ObjectID) Value    { return Value{t: TypeObjectID, v: v} }
func DateTime(v time.Time) Value   { return Value{t: TypeDateTime, v: v} }
func Array(items []Value) Value    { return Value{t: TypeArray, v: items} }
func DocumentValue(d *Document) Value {
	return Value{t: TypeDocument, v: d}
}

// Type returns the tag of the union.
func (v Value) Type() Type {
	return v.t
}

func (v Value) IsNull() bool   { return v.t == TypeNull }
func (v Value) IsNumber() bool { return v.t == TypeInt32 || v.t == TypeInt64 || v.t == TypeDouble }
func (v Value) IsMinOrMax() bool {
	return v.t == TypeMinValue || v.t == TypeMaxValue
}

func (v Value) AsInt32() int32 {
	switch x := v.v.(type) {
	case int32:
		return x
	case int64:
		return int32(x)
	case float64:
		return int32(x)
	}
	return 0
}

func (v Value) AsInt64() int64 {
	switch x := v.v.(type) {
	case int32:
		return int64(x)
	case int64:
		return x
	case float64:
		return int64(x)
	}
	return 0
}

func (v Value) AsDouble() float64 {
	switch x := v.v.(type) {
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

func (v Value) AsString() string {
	if s, ok := v.v.(string); ok {
		return s
	}
	return ""
}

func (v Value) AsBool() bool {
	if b, ok := v.v.(bool); ok {
		return b
	}
	return false
}

func (v Value) AsBinary() []byte {
	if b, ok := v.v.([]byte); ok {
		return b
	}
	return nil
}

func (v Value) AsGuid() uuid.UUID {
	if g, ok := v.v.(uuid.UUID); ok {
		return g
	}
	return uuid.Nil
}

func (v Value) AsObjectID() ObjectID {
	if o, ok := v.v.(ObjectID); ok {
		return o
	}
	return ObjectID{}
}

func (v Value) AsDateTime() time.Time {
	if t, ok := v.v.(time.Time); ok {
		return t
	}
	return time.Time{}
}

func (v Value) AsArray() []Value {
	if a, ok := v.v.([]Value); ok {
		return a
	}
	return nil
}

func (v Value) AsDocument() *Document {
	if d, ok := v.v.(*Document); ok {
		return d
	}
	return nil
}

// Compare orders v against other using the cross-type table. Strings are
// compared under collation; nil collation means byte-wise.
func (v Value) Compare(other Value, collation *Collation) int {
	ca, cb := v.t.sortClass(), other.t.sortClass()
	if ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}

	switch v.t.sortClass() {
	case 0, 1, 10: // min, null, max
		return 0
	case 2: // numbers
		if v.t == TypeInt32 && other.t == TypeInt32 {
			return cmpOrdered(v.AsInt32(), other.AsInt32())
		}
		if v.t != TypeDouble && other.t != TypeDouble {
			return cmpOrdered(v.AsInt64(), other.AsInt64())
		}
		return cmpOrdered(v.AsDouble(), other.AsDouble())
	case 3:
		if collation != nil {
			return collation.Compare(v.AsString(), other.AsString())
		}
		return bytes.Compare([]byte(v.AsString()), []byte(other.AsString()))
	case 4:
		return v.AsDocument().compare(other.AsDocument(), collation)
	case 5:
		a, b := v.AsArray(), other.AsArray()
		for i := 0; i < len(a) && i < len(b); i++ {
			if c := a[i].Compare(b[i], collation); c != 0 {
				return c
			}
		}
		return cmpOrdered(len(a), len(b))
	case 6:
		return bytes.Compare(v.binaryBytes(), other.binaryBytes())
	case 7:
		a, b := v.AsObjectID(), other.AsObjectID()
		return bytes.Compare(a[:], b[:])
	case 8:
		a, b := v.AsBool(), other.AsBool()
		if a == b {
			return 0
		}
		if !a {
			return -1
		}
		return 1
	case 9:
		a, b := v.AsDateTime(), other.AsDateTime()
		if a.Equal(b) {
			return 0
		}
		if a.Before(b) {
			return -1
		}
		return 1
	}
	return 0
}

// Equal reports byte-wise equality under a nil collation.
func (v Value) Equal(other Value) bool {
	return v.Compare(other, nil) == 0
}

func (v Value) binaryBytes() []byte {
	if v.t == TypeGuid {
		g := v.AsGuid()
		return g[:]
	}
	return v.AsBinary()
}

func cmpOrdered[T int | int32 | int64 | float64](a, b T) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
