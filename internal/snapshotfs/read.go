package snapshotfs

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
)

// readFileData translates a read request against e into zero or more
// part-file reads, writes the concatenated bytes into dst, and returns how
// many were written. A per-part open,
// seek, or read failure terminates the aggregation early: whatever was
// accumulated so far is returned with a nil error, matching the kernel
// adapter's short-read-is-EOF convention. dst bounds the maximum number of
// bytes returned; offset at or past the file's length yields an empty read.
func (fs *FS) readFileData(e fsEntry, dst []byte, offset int64) (int, error) {
	file := e.file
	if offset < 0 || uint64(offset) >= file.Length {
		return 0, nil
	}

	if file.Virtual {
		return copy(dst, file.MetaHash[offset:]), nil
	}

	effectivePartSize := file.PartSize
	if effectivePartSize == 0 || file.NumParts <= 1 {
		effectivePartSize = file.Length
	}
	if effectivePartSize == 0 {
		return 0, nil
	}

	dir := filepath.Join(fs.repoRoot, "indices", fs.resolved.Indices[e.indexName].ID, strconv.Itoa(e.shardID))

	fileOffset := uint64(offset)
	remaining := uint64(len(dst))
	if remaining > file.Length-fileOffset {
		remaining = file.Length - fileOffset
	}

	total := 0
	for remaining > 0 {
		partIndex := fileOffset / effectivePartSize
		offsetWithinPart := fileOffset % effectivePartSize

		partLogicalLen := effectivePartSize
		if partIndex == file.NumParts-1 {
			partLogicalLen = file.Length - partIndex*effectivePartSize
		}
		bytesToTake := partLogicalLen - offsetWithinPart
		if bytesToTake > remaining {
			bytesToTake = remaining
		}
		if bytesToTake == 0 {
			break
		}

		partPath := filepath.Join(dir, file.PartName(partIndex))
		n, err := readPartRange(partPath, int64(offsetWithinPart), dst[total:uint64(total)+bytesToTake])
		total += n
		if err != nil {
			log.Printf("snapshotfs: reading %s at %d: %v", partPath, offsetWithinPart, err)
			break
		}
		if uint64(n) < bytesToTake {
			break
		}

		fileOffset += bytesToTake
		remaining -= bytesToTake
	}

	return total, nil
}

func readPartRange(path string, offset int64, dst []byte) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(f, dst)
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	return n, err
}
