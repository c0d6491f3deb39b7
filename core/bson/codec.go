package bson

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Element type bytes of the wire format. Binary subtype 0x04 carries a
// 16-byte GUID; MinKey/MaxKey use the non-standard 0xFF/0x7F markers.
const (
	elemDouble   = 0x01
	elemString   = 0x02
	elemDocument = 0x03
	elemArray    = 0x04
	elemBinary   = 0x05
	elemObjectID = 0x07
	elemBoolean  = 0x08
	elemDateTime = 0x09
	elemNull     = 0x0A
	elemInt32    = 0x10
	elemInt64    = 0x12
	elemMaxKey   = 0x7F
	elemMinKey   = 0xFF

	binarySubtypeGeneric = 0x00
	binarySubtypeGuid    = 0x04
)

// Ticks conversion between Go time and 100ns ticks since 0001-01-01T00:00:00Z,
// the representation used by index keys. Documents carry milliseconds since
// the Unix epoch instead, per the wire format.
const (
	unixEpochTicks = 621355968000000000
	ticksPerMilli  = 10000
)

var (
	// ErrInteriorNul is returned when a field name contains a NUL byte,
	// which the cstring framing cannot carry.
	ErrInteriorNul = errors.New("bson: field name contains interior NUL")
	// ErrDocumentCorrupted is returned when the byte stream does not frame a
	// well-formed document.
	ErrDocumentCorrupted = errors.New("bson: corrupted document")
)

// EncodeDocument serializes a document to its wire representation.
func EncodeDocument(d *Document) ([]byte, error) {
	body := make([]byte, 0, 64)
	for _, f := range d.Fields() {
		var err error
		body, err = appendElement(body, f.Name, f.Value)
		if err != nil {
			return nil, err
		}
	}
	out := make([]byte, 4, 4+len(body)+1)
	out = append(out, body...)
	out = append(out, 0x00)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	return out, nil
}

func appendElement(buf []byte, name string, v Value) ([]byte, error) {
	if strings.IndexByte(name, 0) >= 0 {
		return nil, ErrInteriorNul
	}

	typeByte, err := elementType(v)
	if err != nil {
		return nil, err
	}
	buf = append(buf, typeByte)
	buf = append(buf, name...)
	buf = append(buf, 0x00)

	switch v.Type() {
	case TypeDouble:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.AsDouble()))
	case TypeString:
		s := v.AsString()
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)+1))
		buf = append(buf, s...)
		buf = append(buf, 0x00)
	case TypeDocument:
		inner, err := EncodeDocument(v.AsDocument())
		if err != nil {
			return nil, err
		}
		buf = append(buf, inner...)
	case TypeArray:
		inner, err := encodeArray(v.AsArray())
		if err != nil {
			return nil, err
		}
		buf = append(buf, inner...)
	case TypeBinary:
		b := v.AsBinary()
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
		buf = append(buf, binarySubtypeGeneric)
		buf = append(buf, b...)
	case TypeGuid:
		g := v.AsGuid()
		buf = binary.LittleEndian.AppendUint32(buf, 16)
		buf = append(buf, binarySubtypeGuid)
		buf = append(buf, g[:]...)
	case TypeObjectID:
		o := v.AsObjectID()
		buf = append(buf, o[:]...)
	case TypeBoolean:
		if v.AsBool() {
			buf = append(buf, 0x01)
		} else {
			buf = append(buf, 0x00)
		}
	case TypeDateTime:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.AsDateTime().UnixMilli()))
	case TypeNull, TypeMinValue, TypeMaxValue:
		// no payload
	case TypeInt32:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v.AsInt32()))
	case TypeInt64:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.AsInt64()))
	}
	return buf, nil
}

func elementType(v Value) (byte, error) {
	switch v.Type() {
	case TypeDouble:
		return elemDouble, nil
	case TypeString:
		return elemString, nil
	case TypeDocument:
		return elemDocument, nil
	case TypeArray:
		return elemArray, nil
	case TypeBinary, TypeGuid:
		return elemBinary, nil
	case TypeObjectID:
		return elemObjectID, nil
	case TypeBoolean:
		return elemBoolean, nil
	case TypeDateTime:
		return elemDateTime, nil
	case TypeNull:
		return elemNull, nil
	case TypeInt32:
		return elemInt32, nil
	case TypeInt64:
		return elemInt64, nil
	case TypeMinValue:
		return elemMinKey, nil
	case TypeMaxValue:
		return elemMaxKey, nil
	}
	return 0, fmt.Errorf("bson: unsupported value type %v", v.Type())
}

func encodeArray(items []Value) ([]byte, error) {
	d := NewDocument()
	for i, item := range items {
		d.Set(strconv.Itoa(i), item)
	}
	return EncodeDocument(d)
}

// DecodeDocument parses a wire-format document.
func DecodeDocument(data []byte) (*Document, error) {
	d, n, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, ErrDocumentCorrupted
	}
	return d, nil
}

func decodeDocument(data []byte) (*Document, int, error) {
	if len(data) < 5 {
		return nil, 0, ErrDocumentCorrupted
	}
	total := int(binary.LittleEndian.Uint32(data[0:4]))
	if total < 5 || total > len(data) {
		return nil, 0, ErrDocumentCorrupted
	}
	if data[total-1] != 0x00 {
		return nil, 0, ErrDocumentCorrupted
	}

	d := NewDocument()
	pos := 4
	for pos < total-1 {
		typeByte := data[pos]
		pos++
		name, n, err := readCString(data[pos:total])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		v, n, err := decodeElementValue(typeByte, data[pos:total])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		d.Set(name, v)
	}
	if pos != total-1 {
		return nil, 0, ErrDocumentCorrupted
	}
	return d, total, nil
}

func readCString(data []byte) (string, int, error) {
	for i, b := range data {
		if b == 0x00 {
			return string(data[:i]), i + 1, nil
		}
	}
	return "", 0, ErrDocumentCorrupted
}

func decodeElementValue(typeByte byte, data []byte) (Value, int, error) {
	switch typeByte {
	case elemDouble:
		if len(data) < 8 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		return Double(math.Float64frombits(binary.LittleEndian.Uint64(data[0:8]))), 8, nil
	case elemString:
		if len(data) < 4 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		sl := int(binary.LittleEndian.Uint32(data[0:4]))
		if sl < 1 || 4+sl > len(data) || data[4+sl-1] != 0x00 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		return String(string(data[4 : 4+sl-1])), 4 + sl, nil
	case elemDocument:
		d, n, err := decodeDocument(data)
		if err != nil {
			return Value{}, 0, err
		}
		return DocumentValue(d), n, nil
	case elemArray:
		d, n, err := decodeDocument(data)
		if err != nil {
			return Value{}, 0, err
		}
		items := make([]Value, 0, d.Len())
		for _, f := range d.Fields() {
			items = append(items, f.Value)
		}
		return Array(items), n, nil
	case elemBinary:
		if len(data) < 5 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		bl := int(binary.LittleEndian.Uint32(data[0:4]))
		subtype := data[4]
		if 5+bl > len(data) {
			return Value{}, 0, ErrDocumentCorrupted
		}
		payload := data[5 : 5+bl]
		if subtype == binarySubtypeGuid {
			if bl != 16 {
				return Value{}, 0, ErrDocumentCorrupted
			}
			var g uuid.UUID
			copy(g[:], payload)
			return Guid(g), 5 + bl, nil
		}
		b := make([]byte, bl)
		copy(b, payload)
		return Binary(b), 5 + bl, nil
	case elemObjectID:
		if len(data) < 12 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		var o ObjectID
		copy(o[:], data[0:12])
		return ObjectId(o), 12, nil
	case elemBoolean:
		if len(data) < 1 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		return Bool(data[0] != 0x00), 1, nil
	case elemDateTime:
		if len(data) < 8 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		ms := int64(binary.LittleEndian.Uint64(data[0:8]))
		return DateTime(time.UnixMilli(ms).UTC()), 8, nil
	case elemNull:
		return Null(), 0, nil
	case elemInt32:
		if len(data) < 4 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		return Int32(int32(binary.LittleEndian.Uint32(data[0:4]))), 4, nil
	case elemInt64:
		if len(data) < 8 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		return Int64(int64(binary.LittleEndian.Uint64(data[0:8]))), 8, nil
	case elemMinKey:
		return MinValue, 0, nil
	case elemMaxKey:
		return MaxValue, 0, nil
	}
	return Value{}, 0, fmt.Errorf("bson: unknown element type 0x%02X: %w", typeByte, ErrDocumentCorrupted)
}

// EncodeValue serializes a single value for inline storage in an index node.
// Unlike document elements the payload is self-delimiting: strings and
// binaries carry a u16 length prefix, documents and arrays are embedded with
// their own BSON length header, and DateTime is stored as UTC ticks.
func EncodeValue(v Value) ([]byte, error) {
	buf := []byte{byte(v.Type())}
	switch v.Type() {
	case TypeMinValue, TypeNull, TypeMaxValue:
		// tag only
	case TypeInt32:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v.AsInt32()))
	case TypeInt64:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.AsInt64()))
	case TypeDouble:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.AsDouble()))
	case TypeString:
		s := v.AsString()
		if len(s) > math.MaxUint16 {
			return nil, fmt.Errorf("bson: string too long for index key: %d", len(s))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
		buf = append(buf, s...)
	case TypeDocument:
		inner, err := EncodeDocument(v.AsDocument())
		if err != nil {
			return nil, err
		}
		buf = append(buf, inner...)
	case TypeArray:
		inner, err := encodeArray(v.AsArray())
		if err != nil {
			return nil, err
		}
		buf = append(buf, inner...)
	case TypeBinary:
		b := v.AsBinary()
		if len(b) > math.MaxUint16 {
			return nil, fmt.Errorf("bson: binary too long for index key: %d", len(b))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(b)))
		buf = append(buf, b...)
	case TypeGuid:
		g := v.AsGuid()
		buf = append(buf, g[:]...)
	case TypeObjectID:
		o := v.AsObjectID()
		buf = append(buf, o[:]...)
	case TypeBoolean:
		if v.AsBool() {
			buf = append(buf, 0x01)
		} else {
			buf = append(buf, 0x00)
		}
	case TypeDateTime:
		ticks := unixEpochTicks + v.AsDateTime().UnixMilli()*ticksPerMilli
		buf = binary.LittleEndian.AppendUint64(buf, uint64(ticks))
	default:
		return nil, fmt.Errorf("bson: unsupported index key type %v", v.Type())
	}
	return buf, nil
}

// DecodeValue parses a value written by EncodeValue and returns it along with
// the number of bytes consumed.
func DecodeValue(data []byte) (Value, int, error) {
	if len(data) < 1 {
		return Value{}, 0, ErrDocumentCorrupted
	}
	t := Type(data[0])
	body := data[1:]
	switch t {
	case TypeMinValue:
		return MinValue, 1, nil
	case TypeNull:
		return Null(), 1, nil
	case TypeMaxValue:
		return MaxValue, 1, nil
	case TypeInt32:
		if len(body) < 4 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		return Int32(int32(binary.LittleEndian.Uint32(body))), 5, nil
	case TypeInt64:
		if len(body) < 8 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		return Int64(int64(binary.LittleEndian.Uint64(body))), 9, nil
	case TypeDouble:
		if len(body) < 8 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		return Double(math.Float64frombits(binary.LittleEndian.Uint64(body))), 9, nil
	case TypeString:
		if len(body) < 2 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		sl := int(binary.LittleEndian.Uint16(body))
		if 2+sl > len(body) {
			return Value{}, 0, ErrDocumentCorrupted
		}
		return String(string(body[2 : 2+sl])), 1 + 2 + sl, nil
	case TypeDocument:
		d, n, err := decodeDocument(body)
		if err != nil {
			return Value{}, 0, err
		}
		return DocumentValue(d), 1 + n, nil
	case TypeArray:
		d, n, err := decodeDocument(body)
		if err != nil {
			return Value{}, 0, err
		}
		items := make([]Value, 0, d.Len())
		for _, f := range d.Fields() {
			items = append(items, f.Value)
		}
		return Array(items), 1 + n, nil
	case TypeBinary:
		if len(body) < 2 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		bl := int(binary.LittleEndian.Uint16(body))
		if 2+bl > len(body) {
			return Value{}, 0, ErrDocumentCorrupted
		}
		b := make([]byte, bl)
		copy(b, body[2:2+bl])
		return Binary(b), 1 + 2 + bl, nil
	case TypeGuid:
		if len(body) < 16 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		var g uuid.UUID
		copy(g[:], body[0:16])
		return Guid(g), 17, nil
	case TypeObjectID:
		if len(body) < 12 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		var o ObjectID
		copy(o[:], body[0:12])
		return ObjectId(o), 13, nil
	case TypeBoolean:
		if len(body) < 1 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		return Bool(body[0] != 0x00), 2, nil
	case TypeDateTime:
		if len(body) < 8 {
			return Value{}, 0, ErrDocumentCorrupted
		}
		ticks := int64(binary.LittleEndian.Uint64(body))
		ms := (ticks - unixEpochTicks) / ticksPerMilli
		return DateTime(time.UnixMilli(ms).UTC()), 9, nil
	}
	return Value{}, 0, fmt.Errorf("bson: unknown value tag 0x%02X: %w", data[0], ErrDocumentCorrupted)
}
