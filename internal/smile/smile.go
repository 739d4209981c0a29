// Package smile decodes the variable-length binary JSON dialect used by
// Elasticsearch/OpenSearch shard metadata (the format Jackson calls
// "Smile"). It implements just enough of the dialect to recover the file
// table embedded in a shard's metadata blob: null, bool, integer, float,
// string, binary, array, and object values, plus the shared-key and
// shared-value intern tables the format leans on for size.
//
// Decoding is single-pass and stateful (the intern tables are populated as
// tokens are read), so each Parse call builds its own decoder, which is never
// reused across payloads or shared across goroutines.
package smile

import (
	"math"
	"unicode/utf8"

	"github.com/opensearch-project/snapshot-fuse/internal/fserr"
	"golang.org/x/xerrors"
)

// Kind tags the type of a decoded Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBinary
	KindArray
	KindObject
)

// KV is one key/value pair of an object, in the order it was encoded.
type KV struct {
	Key   string
	Value *Value
}

// Value is a single node of the decoded tree. Only the fields matching Kind
// are meaningful.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bin   []byte
	Arr   []*Value
	Obj   []KV
}

// Get returns the value of the named field of an object, or nil if v is not
// an object or has no such key. Object lookups are a linear scan: key order
// is preserved rather than indexed, matching how the dialect is produced.
func (v *Value) Get(key string) *Value {
	if v == nil || v.Kind != KindObject {
		return nil
	}
	for _, kv := range v.Obj {
		if kv.Key == key {
			return kv.Value
		}
	}
	return nil
}

// AsString returns the string payload of a KindString value.
func (v *Value) AsString() (string, bool) {
	if v == nil || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// AsInt returns the integer payload of a KindInt value.
func (v *Value) AsInt() (int64, bool) {
	if v == nil || v.Kind != KindInt {
		return 0, false
	}
	return v.Int, true
}

// AsBytes returns the byte payload of a KindBinary value.
func (v *Value) AsBytes() ([]byte, bool) {
	if v == nil || v.Kind != KindBinary {
		return nil, false
	}
	return v.Bin, true
}

// AsArray returns the elements of a KindArray value.
func (v *Value) AsArray() ([]*Value, bool) {
	if v == nil || v.Kind != KindArray {
		return nil, false
	}
	return v.Arr, true
}

const (
	headerByte0 = 0x3A
	headerByte1 = 0x29
	headerByte2 = 0x0A

	flagSharedKeys   = 0x01
	flagSharedValues = 0x02
	flagRawBinary    = 0x04
)

// Parse decodes a complete binary-JSON payload. Unknown tokens, truncated
// input, invalid UTF-8, out-of-range shared-reference indices, and
// variable-length integer overflow all fail with fserr.InvalidFormat.
func Parse(data []byte) (*Value, error) {
	d := &decoder{data: data}
	if err := d.readHeader(); err != nil {
		return nil, err
	}
	return d.readValue()
}

type decoder struct {
	data []byte
	pos  int

	sharedKeys   []string
	sharedValues []string

	// rawBinary records the header's raw-binary flag. It is informational
	// only: the token itself (0xE8 vs 0xFD) always disambiguates the
	// encoding actually present on the wire.
	rawBinary bool
}

func (d *decoder) errf(format string, args ...interface{}) error {
	return xerrors.Errorf(format+": %w", append(args, fserr.InvalidFormat)...)
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, d.errf("truncated input at offset %d", d.pos)
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) peekByte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, d.errf("truncated input at offset %d", d.pos)
	}
	return d.data[d.pos], nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.data) {
		return nil, d.errf("truncated input: need %d bytes at offset %d", n, d.pos)
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readHeader() error {
	h, err := d.readBytes(3)
	if err != nil {
		return err
	}
	if h[0] != headerByte0 || h[1] != headerByte1 || h[2] != headerByte2 {
		return d.errf("bad header magic % x", h)
	}
	flags, err := d.readByte()
	if err != nil {
		return err
	}
	_ = flags & flagSharedKeys
	_ = flags & flagSharedValues
	d.rawBinary = flags&flagRawBinary != 0
	return nil
}

// readUnsignedVInt decodes the dialect's unsigned variable-length integer:
// big-endian, continuation-bit encoded, but with the terminating byte
// (top bit set) contributing only 6 data bits rather than 7.
func (d *decoder) readUnsignedVInt() (uint64, error) {
	var value uint64
	for bytesRead := 0; ; bytesRead++ {
		if bytesRead > 9 {
			return 0, d.errf("variable-length integer overflow")
		}
		b, err := d.readByte()
		if err != nil {
			return 0, err
		}
		if b&0x80 == 0 {
			value = value<<7 | uint64(b)
			continue
		}
		return value<<6 | uint64(b&0x3F), nil
	}
}

func (d *decoder) readSignedVInt() (int64, error) {
	raw, err := d.readUnsignedVInt()
	if err != nil {
		return 0, err
	}
	return zigzagDecode(raw), nil
}

// zigzagDecode maps an unsigned value encoded by zigzag back to signed:
// 0→0, 1→-1, 2→1, 3→-2, 4→2, 6→3.
func zigzagDecode(n uint64) int64 {
	return int64(n>>1) ^ -int64(n&1)
}

func (d *decoder) readUTF8(n int) (string, error) {
	b, err := d.readBytes(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", d.errf("invalid UTF-8 in string literal")
	}
	return string(b), nil
}

// readUntilSentinel reads bytes up to (not including) the 0xFC sentinel,
// which is then consumed.
func (d *decoder) readUntilSentinel() (string, error) {
	start := d.pos
	for d.pos < len(d.data) && d.data[d.pos] != 0xFC {
		d.pos++
	}
	if d.pos >= len(d.data) {
		return "", d.errf("unterminated long string starting at offset %d", start)
	}
	s := d.data[start:d.pos]
	d.pos++ // consume 0xFC
	if !utf8.Valid(s) {
		return "", d.errf("invalid UTF-8 in long string literal")
	}
	return string(s), nil
}

// internKey appends s to the shared-key table if it is short enough for the
// dialect to consider it shareable.
func (d *decoder) internKey(s string) {
	if len(s) <= 64 {
		d.sharedKeys = append(d.sharedKeys, s)
	}
}

func (d *decoder) internValue(s string) {
	if len(s) <= 64 {
		d.sharedValues = append(d.sharedValues, s)
	}
}

func (d *decoder) sharedKey(idx int) (string, error) {
	if idx < 0 || idx >= len(d.sharedKeys) {
		return "", d.errf("shared key reference %d out of range (have %d)", idx, len(d.sharedKeys))
	}
	return d.sharedKeys[idx], nil
}

func (d *decoder) sharedValue(idx int) (string, error) {
	if idx < 0 || idx >= len(d.sharedValues) {
		return "", d.errf("shared value reference %d out of range (have %d)", idx, len(d.sharedValues))
	}
	return d.sharedValues[idx], nil
}

// readKey reads one object-position key token. It returns ok=false when the
// terminating 0xFB (object end) was read instead of a key.
func (d *decoder) readKey() (key string, ok bool, err error) {
	b, err := d.readByte()
	if err != nil {
		return "", false, err
	}
	switch {
	case b == 0xFB:
		return "", false, nil
	case b == 0x20:
		return "", true, nil
	case b >= 0x80 && b <= 0xBF:
		s, err := d.readUTF8(int(b - 0x7F))
		if err != nil {
			return "", false, err
		}
		d.internKey(s)
		return s, true, nil
	case b >= 0xC0 && b <= 0xF7:
		s, err := d.readUTF8(int(b - 0xBE))
		if err != nil {
			return "", false, err
		}
		d.internKey(s)
		return s, true, nil
	case b == 0x34 || b == 0x35:
		s, err := d.readUntilSentinel()
		if err != nil {
			return "", false, err
		}
		d.internKey(s)
		return s, true, nil
	case b >= 0x40 && b <= 0x7F:
		s, err := d.sharedKey(int(b - 0x40))
		if err != nil {
			return "", false, err
		}
		return s, true, nil
	case b >= 0x30 && b <= 0x33:
		b2, err := d.readByte()
		if err != nil {
			return "", false, err
		}
		idx := int(b-0x30)*256 + int(b2)
		s, err := d.sharedKey(idx)
		if err != nil {
			return "", false, err
		}
		return s, true, nil
	default:
		return "", false, d.errf("unexpected key token 0x%02X at offset %d", b, d.pos-1)
	}
}

func (d *decoder) readValue() (*Value, error) {
	b, err := d.readByte()
	if err != nil {
		return nil, err
	}
	return d.decodeValueToken(b)
}

func (d *decoder) decodeValueToken(b byte) (*Value, error) {
	switch {
	case b == 0x20:
		return &Value{Kind: KindString}, nil
	case b == 0x21:
		return &Value{Kind: KindNull}, nil
	case b == 0x22:
		return &Value{Kind: KindBool, Bool: false}, nil
	case b == 0x23:
		return &Value{Kind: KindBool, Bool: true}, nil
	case b == 0x24 || b == 0x25:
		n, err := d.readSignedVInt()
		if err != nil {
			return nil, err
		}
		return &Value{Kind: KindInt, Int: n}, nil
	case b == 0x26:
		n, err := d.readUnsignedVInt()
		if err != nil {
			return nil, err
		}
		if _, err := d.readBytes(int(n)); err != nil {
			return nil, err
		}
		// Big-integer values are not needed by shard metadata; represented
		// as zero rather than decoded in full.
		return &Value{Kind: KindInt, Int: 0}, nil
	case b == 0x28:
		raw, err := d.readBytes(5)
		if err != nil {
			return nil, err
		}
		bits := uint32(raw[0])<<28 | uint32(raw[1])<<21 | uint32(raw[2])<<14 | uint32(raw[3])<<7 | uint32(raw[4])
		return &Value{Kind: KindFloat, Float: float64(math.Float32frombits(bits))}, nil
	case b == 0x29:
		raw, err := d.readBytes(10)
		if err != nil {
			return nil, err
		}
		bits := uint64(raw[0])<<63 | uint64(raw[1])<<56 | uint64(raw[2])<<49 | uint64(raw[3])<<42 |
			uint64(raw[4])<<35 | uint64(raw[5])<<28 | uint64(raw[6])<<21 | uint64(raw[7])<<14 |
			uint64(raw[8])<<7 | uint64(raw[9])
		return &Value{Kind: KindFloat, Float: math.Float64frombits(bits)}, nil
	case b >= 0x40 && b <= 0x7F:
		s, err := d.readUTF8(int(b - 0x3F))
		if err != nil {
			return nil, err
		}
		d.internValue(s)
		return &Value{Kind: KindString, Str: s}, nil
	case b >= 0x80 && b <= 0xBF:
		s, err := d.readUTF8(int(b - 0x7E))
		if err != nil {
			return nil, err
		}
		d.internValue(s)
		return &Value{Kind: KindString, Str: s}, nil
	case b >= 0xC0 && b <= 0xDF:
		n := zigzagDecode(uint64(b & 0x1F))
		return &Value{Kind: KindInt, Int: n}, nil
	case b == 0xE0 || b == 0xE4:
		s, err := d.readUntilSentinel()
		if err != nil {
			return nil, err
		}
		return &Value{Kind: KindString, Str: s}, nil
	case b == 0xE8:
		n, err := d.readUnsignedVInt()
		if err != nil {
			return nil, err
		}
		encoded, err := d.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		return &Value{Kind: KindBinary, Bin: decode7BitBinary(encoded)}, nil
	case b == 0xFD:
		n, err := d.readUnsignedVInt()
		if err != nil {
			return nil, err
		}
		raw, err := d.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		bin := make([]byte, len(raw))
		copy(bin, raw)
		return &Value{Kind: KindBinary, Bin: bin}, nil
	case b >= 0x01 && b <= 0x1F:
		s, err := d.sharedValue(int(b - 1))
		if err != nil {
			return nil, err
		}
		return &Value{Kind: KindString, Str: s}, nil
	case b >= 0xEC && b <= 0xEF:
		b2, err := d.readByte()
		if err != nil {
			return nil, err
		}
		idx := int(b-0xEC)*256 + int(b2)
		s, err := d.sharedValue(idx)
		if err != nil {
			return nil, err
		}
		return &Value{Kind: KindString, Str: s}, nil
	case b == 0xF8:
		return d.readArray()
	case b == 0xFA:
		return d.readObject()
	default:
		return nil, d.errf("unexpected value token 0x%02X at offset %d", b, d.pos-1)
	}
}

func (d *decoder) readArray() (*Value, error) {
	v := &Value{Kind: KindArray}
	for {
		next, err := d.peekByte()
		if err != nil {
			return nil, err
		}
		if next == 0xF9 {
			d.pos++
			return v, nil
		}
		elem, err := d.readValue()
		if err != nil {
			return nil, err
		}
		v.Arr = append(v.Arr, elem)
	}
}

func (d *decoder) readObject() (*Value, error) {
	v := &Value{Kind: KindObject}
	for {
		key, ok, err := d.readKey()
		if err != nil {
			return nil, err
		}
		if !ok {
			return v, nil
		}
		val, err := d.readValue()
		if err != nil {
			return nil, err
		}
		v.Obj = append(v.Obj, KV{Key: key, Value: val})
	}
}

// decode7BitBinary unpacks the dialect's 7-bit-escaped binary encoding: data
// is grouped into runs of up to 8 encoded bytes, where the first byte of
// each group supplies bit 7 of each of the following (up to seven) bytes.
func decode7BitBinary(encoded []byte) []byte {
	decoded := make([]byte, 0, len(encoded))
	i := 0
	for i < len(encoded) {
		groupLen := len(encoded) - i
		if groupLen > 8 {
			groupLen = 8
		}
		if groupLen < 2 {
			break
		}
		header := encoded[i]
		i++
		for j := 0; j < groupLen-1; j++ {
			b := encoded[i+j] | (header>>uint(j)&1)<<7
			decoded = append(decoded, b)
		}
		i += groupLen - 1
	}
	return decoded
}
