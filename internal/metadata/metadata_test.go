package metadata

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/opensearch-project/snapshot-fuse/internal/fserr"
	"github.com/opensearch-project/snapshot-fuse/internal/smile"
	"github.com/stretchr/testify/require"
)

func smileHeader() []byte {
	return []byte{0x3A, 0x29, 0x0A, 0x00}
}

// smileFilesPayload builds a minimal binary-JSON payload encoding
// {"files": [{"name": name, "physical_name": physicalName, "length": length}]}
// using the same token encoding internal/smile decodes.
func smileFilesPayload(name, physicalName string, length int64) []byte {
	var buf bytes.Buffer
	buf.Write(smileHeader())
	buf.WriteByte(0xFA) // object start

	writeShortKey := func(s string) {
		buf.WriteByte(byte(0x7F + len(s)))
		buf.WriteString(s)
	}
	writeShortStringValue := func(s string) {
		buf.WriteByte(byte(0x3F + len(s)))
		buf.WriteString(s)
	}
	writeInt := func(n int64) {
		// Matches smile.readUnsignedVInt's layout: all but the last byte
		// carry 7 bits with the top bit clear, the last carries 6 bits
		// with the top bit set.
		zz := uint64(n<<1) ^ uint64(n>>63)
		rest := zz >> 6
		last := byte(zz&0x3F) | 0x80
		var groups []byte
		for rest > 0 {
			groups = append([]byte{byte(rest & 0x7F)}, groups...)
			rest >>= 7
		}
		buf.WriteByte(0x24) // signed VInt value token
		buf.Write(groups)
		buf.WriteByte(last)
	}

	writeShortKey("files")
	buf.WriteByte(0xF8) // array start
	buf.WriteByte(0xFA) // object start (file record)
	writeShortKey("name")
	writeShortStringValue(name)
	writeShortKey("physical_name")
	writeShortStringValue(physicalName)
	writeShortKey("length")
	writeInt(length)
	buf.WriteByte(0xFB) // object end (file record)
	buf.WriteByte(0xF9) // array end
	buf.WriteByte(0xFB) // object end (root)

	return buf.Bytes()
}

func TestExtractPayload_DeflateContainer(t *testing.T) {
	inner := smileFilesPayload("segments_1", "segments_1", 42)

	var compressed bytes.Buffer
	zw, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = zw.Write(inner)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	raw := append([]byte("some preamble"), append([]byte("DFL\x00"), compressed.Bytes()...)...)

	payload, err := extractPayload(raw)
	require.NoError(t, err)
	require.Equal(t, inner, payload)
}

func TestSkipCodecHeader(t *testing.T) {
	var buf bytes.Buffer
	var magic [4]byte
	binary.BigEndian.PutUint32(magic[:], luceneCodecMagic)
	buf.Write(magic[:])

	codecName := "Lucene90"
	buf.WriteByte(byte(len(codecName))) // VInt fits in one byte
	buf.WriteString(codecName)
	buf.Write([]byte{0, 0, 0, 1}) // version

	payload := []byte("payload-bytes")
	buf.Write(payload)
	footer := make([]byte, footerLength)
	buf.Write(footer)

	offset, err := skipCodecHeader(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, buf.Len()-len(payload)-footerLength, offset)
}

func TestSkipCodecHeader_BadMagic(t *testing.T) {
	_, err := skipCodecHeader([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	require.Error(t, err)
	require.ErrorIs(t, err, fserr.InvalidFormat)
}

func TestParseFiles(t *testing.T) {
	payload := smileFilesPayload("__0", "segments_1", 123)
	tree, err := smile.Parse(payload)
	require.NoError(t, err)

	files, err := ParseFiles(tree)
	require.NoError(t, err)
	require.Len(t, files, 1)

	f := files[0]
	require.Equal(t, "__0", f.BlobName)
	require.Equal(t, "segments_1", f.PhysicalName)
	require.EqualValues(t, 123, f.Length)
	require.Equal(t, NoPartSize, f.PartSize)
	require.EqualValues(t, 1, f.NumParts)
	require.False(t, f.Virtual)
}

func TestParseFiles_VirtualPrefix(t *testing.T) {
	payload := smileFilesPayload("v__0", "segments_1", 4)
	tree, err := smile.Parse(payload)
	require.NoError(t, err)

	files, err := ParseFiles(tree)
	require.NoError(t, err)
	require.True(t, files[0].Virtual)
}

func TestFileRecord_PartName(t *testing.T) {
	single := FileRecord{BlobName: "__0", NumParts: 1}
	require.Equal(t, "__0", single.PartName(0))

	multi := FileRecord{BlobName: "__1", NumParts: 3}
	require.Equal(t, "__1.part0", multi.PartName(0))
	require.Equal(t, "__1.part2", multi.PartName(2))
}

func TestNumParts(t *testing.T) {
	require.EqualValues(t, 1, numParts(0, NoPartSize))
	require.EqualValues(t, 1, numParts(0, 10))
	require.EqualValues(t, 1, numParts(10, 10))
	require.EqualValues(t, 2, numParts(11, 10))
	require.EqualValues(t, 3, numParts(25, 10))
}
