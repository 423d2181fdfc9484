package docdb

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/valyala/bytebufferpool"

	"docgate/pkg/types"
)

// value tags of an encoded doc key component
const (
	tagNull byte = iota + 1
	tagFalse
	tagTrue
	tagInt
	tagFloat
	tagString
)

// EncodeDocKey builds the storage key of a row: the table id followed by
// the primary key components in key column order. The encoding is
// memcomparable within one component type.
func EncodeDocKey(table types.TableID, keyColumns []string, values map[string]any) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	_, _ = buf.Write(table[:]) // error impossible

	for _, col := range keyColumns {
		v, ok := values[col]
		if !ok {
			return nil, fmt.Errorf("key column %q is not bound", col)
		}
		if err := appendComponent(buf, v); err != nil {
			return nil, fmt.Errorf("key column %q: %w", col, err)
		}
	}

	return append([]byte(nil), buf.B...), nil
}

func appendComponent(buf *bytebufferpool.ByteBuffer, v any) error {
	var scratch [8]byte

	switch x := v.(type) {
	case nil:
		return buf.WriteByte(tagNull)
	case bool:
		if x {
			return buf.WriteByte(tagTrue)
		}
		return buf.WriteByte(tagFalse)
	case int64:
		_ = buf.WriteByte(tagInt)
		binary.BigEndian.PutUint64(scratch[:], uint64(x)^(1<<63))
		_, _ = buf.Write(scratch[:])
	case float64:
		_ = buf.WriteByte(tagFloat)
		bits := math.Float64bits(x)
		if x < 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		binary.BigEndian.PutUint64(scratch[:], bits)
		_, _ = buf.Write(scratch[:])
	case string:
		_ = buf.WriteByte(tagString)
		// 0x00 is escaped as 0x00 0xff, the component ends with 0x00 0x01
		for i := 0; i < len(x); i++ {
			_ = buf.WriteByte(x[i])
			if x[i] == 0 {
				_ = buf.WriteByte(0xff)
			}
		}
		_, _ = buf.Write([]byte{0x00, 0x01})
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return nil
}

// TableOf extracts the table id prefix of an encoded doc key.
func TableOf(docKey []byte) (types.TableID, bool) {
	var id types.TableID
	if len(docKey) < len(id) {
		return id, false
	}
	copy(id[:], docKey)
	return id, true
}
