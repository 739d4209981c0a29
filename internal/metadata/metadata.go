// Package metadata processes a shard's metadata blob: it strips whichever
// outer container (DEFLATE or Lucene codec frame) ES/OS wrapped the binary
// JSON payload in, then projects the decoded tree into the list of Lucene
// file records the virtual filesystem needs.
package metadata

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/opensearch-project/snapshot-fuse/internal/fserr"
	"github.com/opensearch-project/snapshot-fuse/internal/smile"
	"golang.org/x/xerrors"
)

var dflMarker = []byte("DFL\x00")

const (
	luceneCodecMagic = 0x3FD76C17
	footerLength     = 16 // 4-byte magic + 4-byte algorithm id + 8-byte checksum
)

// NoPartSize is the part_size sentinel meaning "this file is not split into
// parts"; its single blob holds the whole file.
const NoPartSize uint64 = ^uint64(0)

// FileRecord describes one Lucene file named in a shard's metadata.
type FileRecord struct {
	BlobName     string
	PhysicalName string
	Length       uint64
	PartSize     uint64
	NumParts     uint64
	Virtual      bool
	MetaHash     []byte
}

// PartName returns the blob file name backing the given zero-based part
// index: the bare blob name when the file is single-part, otherwise
// "<blob>.part<k>".
func (r FileRecord) PartName(part uint64) string {
	if r.NumParts <= 1 {
		return r.BlobName
	}
	return r.BlobName + ".part" + itoa(part)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Load strips the outer container from a raw shard metadata blob and
// decodes the inner binary-JSON payload.
func Load(raw []byte) (*smile.Value, error) {
	payload, err := extractPayload(raw)
	if err != nil {
		return nil, err
	}
	return smile.Parse(payload)
}

// extractPayload locates and unwraps the binary-JSON payload, whether it is
// DEFLATE-compressed (OpenSearch) or wrapped in a Lucene codec frame
// (Elasticsearch).
func extractPayload(raw []byte) ([]byte, error) {
	if pos := bytes.Index(raw, dflMarker); pos != -1 {
		start := pos + len(dflMarker)
		zr := flate.NewReader(bytes.NewReader(raw[start:]))
		defer zr.Close()
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return nil, xerrors.Errorf("inflating DEFLATE container: %w", err)
		}
		return decompressed, nil
	}

	offset, err := skipCodecHeader(raw)
	if err != nil {
		return nil, err
	}
	end := len(raw)
	if len(raw) >= offset+footerLength {
		end = len(raw) - footerLength
	}
	if offset > end {
		return nil, xerrors.Errorf("codec header extends past payload: %w", fserr.InvalidFormat)
	}
	return raw[offset:end], nil
}

// skipCodecHeader validates the 4-byte Lucene codec magic, skips the
// length-prefixed codec name (Lucene's writeString: an MSB-continuation
// VInt length followed by that many UTF-8 bytes — the opposite bit
// convention from the binary-JSON dialect's own VInts), and skips the
// 4-byte version, returning the offset of the payload that follows.
func skipCodecHeader(data []byte) (int, error) {
	if len(data) < 8 {
		return 0, xerrors.Errorf("shard metadata too short for codec header: %w", fserr.InvalidFormat)
	}
	magic := binary.BigEndian.Uint32(data[:4])
	if magic != luceneCodecMagic {
		return 0, xerrors.Errorf("bad codec magic 0x%08X: %w", magic, fserr.InvalidFormat)
	}
	pos := 4
	nameLen, vintLen, err := readLuceneVInt(data[pos:])
	if err != nil {
		return 0, err
	}
	pos += vintLen + int(nameLen)
	pos += 4 // version
	if pos > len(data) {
		return 0, xerrors.Errorf("codec header extends past data: %w", fserr.InvalidFormat)
	}
	return pos, nil
}

// readLuceneVInt reads Lucene's writeString length prefix: MSB set means
// more bytes follow, each byte contributing 7 data bits. This is the
// opposite convention from the binary-JSON dialect's own VInts and must not
// be confused with it.
func readLuceneVInt(data []byte) (value uint32, consumed int, err error) {
	var shift uint
	for i, b := range data {
		value |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
		shift += 7
		if shift > 28 {
			return 0, 0, xerrors.Errorf("codec name length VInt too long: %w", fserr.InvalidFormat)
		}
	}
	return 0, 0, xerrors.Errorf("truncated codec name length VInt: %w", fserr.InvalidFormat)
}

// ParseFiles projects the decoded metadata tree's "files" array into shard
// file records, preserving encounter order (the order directory listings
// present).
func ParseFiles(root *smile.Value) ([]FileRecord, error) {
	filesVal := root.Get("files")
	files, ok := filesVal.AsArray()
	if !ok {
		return nil, xerrors.Errorf("missing 'files' array: %w", fserr.InvalidFormat)
	}

	records := make([]FileRecord, 0, len(files))
	for _, f := range files {
		name, ok := f.Get("name").AsString()
		if !ok {
			return nil, xerrors.Errorf("file record missing 'name': %w", fserr.InvalidFormat)
		}
		physicalName, ok := f.Get("physical_name").AsString()
		if !ok {
			return nil, xerrors.Errorf("file record missing 'physical_name': %w", fserr.InvalidFormat)
		}
		length, ok := f.Get("length").AsInt()
		if !ok {
			return nil, xerrors.Errorf("file record missing 'length': %w", fserr.InvalidFormat)
		}

		partSize := NoPartSize
		if ps := f.Get("part_size"); ps != nil {
			v, ok := ps.AsInt()
			if !ok {
				return nil, xerrors.Errorf("file record 'part_size' has wrong type: %w", fserr.InvalidFormat)
			}
			partSize = uint64(v)
		}

		var metaHash []byte
		if mh := f.Get("meta_hash"); mh != nil {
			b, ok := mh.AsBytes()
			if !ok {
				return nil, xerrors.Errorf("file record 'meta_hash' has wrong type: %w", fserr.InvalidFormat)
			}
			metaHash = b
		}

		records = append(records, FileRecord{
			BlobName:     name,
			PhysicalName: physicalName,
			Length:       uint64(length),
			PartSize:     partSize,
			NumParts:     numParts(uint64(length), partSize),
			Virtual:      isVirtual(name),
			MetaHash:     metaHash,
		})
	}
	return records, nil
}

func isVirtual(blobName string) bool {
	return len(blobName) >= 3 && blobName[:3] == "v__"
}

// numParts computes ceil(length/partSize) when partSize is not the
// sentinel, else 1, and is never 0 even for a zero-length file.
func numParts(length, partSize uint64) uint64 {
	if partSize == NoPartSize {
		return 1
	}
	if partSize == 0 {
		return 1
	}
	n := length / partSize
	if length%partSize != 0 {
		n++
	}
	if n == 0 {
		n = 1
	}
	return n
}
