// Package snapshotfs implements the virtual filesystem core: it maintains
// the identifier space for a mounted snapshot, lazily loads shard file
// tables on demand, and answers the lookup/attribute/directory-listing/read
// requests the FUSE kernel adapter drives against it.
package snapshotfs

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/opensearch-project/snapshot-fuse/internal/metadata"
	"github.com/opensearch-project/snapshot-fuse/internal/repo"
)

const (
	// attrTTL is how long the kernel may cache attributes and directory
	// entries before re-querying us. The mounted repository never changes
	// underneath a running mount, so this is generous rather than tight.
	attrTTL = time.Hour

	blockSize = 512
)

type entryKind int

const (
	kindRoot entryKind = iota
	kindIndexDir
	kindShardDir
	kindFile
)

// fsEntry is one node of the identifier space. Only the fields matching
// kind are meaningful.
type fsEntry struct {
	kind      entryKind
	indexName string
	shardID   int
	file      metadata.FileRecord
}

type shardKey struct {
	index string
	shard int
}

// FS is the fuseutil.FileSystem implementation driving a single mounted
// snapshot. It owns the identifier table and the loaded-shard marker set
// exclusively; each file entry holds a copy of the file record that the
// ensureShardLoaded call which spliced it in decoded.
type FS struct {
	fuseutil.NotImplementedFileSystem

	repoRoot string
	resolved *repo.Resolved

	// mu guards entries and the lookup indexes built from it. Appends only:
	// identifiers, once issued, are never reused or reassigned.
	mu            sync.RWMutex
	entries       []fsEntry // entries[i] is inode i+1; inode 1 is the root
	indexDirInode map[string]fuseops.InodeID
	shardDirInode map[shardKey]fuseops.InodeID
	shardFiles    map[shardKey][]fuseops.InodeID

	// loadedMu serializes ensureShardLoaded so that a shard's files are
	// spliced into entries exactly once, even under concurrent traversal.
	loadedMu sync.Mutex
	loaded   map[shardKey]bool
}

// New builds the identifier space for resolved: root, then one directory
// per index (sorted by name), then one directory per shard (indices in the
// same order, shard ids ascending). File entries are added lazily as shards
// are traversed.
func New(repoRoot string, resolved *repo.Resolved) *FS {
	fs := &FS{
		repoRoot:      repoRoot,
		resolved:      resolved,
		entries:       []fsEntry{{kind: kindRoot}},
		indexDirInode: make(map[string]fuseops.InodeID),
		shardDirInode: make(map[shardKey]fuseops.InodeID),
		shardFiles:    make(map[shardKey][]fuseops.InodeID),
		loaded:        make(map[shardKey]bool),
	}

	names := make([]string, 0, len(resolved.Indices))
	for name := range resolved.Indices {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fs.entries = append(fs.entries, fsEntry{kind: kindIndexDir, indexName: name})
		fs.indexDirInode[name] = fs.lastInode()
	}
	for _, name := range names {
		idx := resolved.Indices[name]
		for shard := 0; shard < idx.NumShards; shard++ {
			fs.entries = append(fs.entries, fsEntry{kind: kindShardDir, indexName: name, shardID: shard})
			fs.shardDirInode[shardKey{name, shard}] = fs.lastInode()
		}
	}

	return fs
}

func (fs *FS) lastInode() fuseops.InodeID {
	return fuseops.InodeID(len(fs.entries))
}

func (fs *FS) getEntry(ino fuseops.InodeID) (fsEntry, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	idx := int(ino) - 1
	if idx < 0 || idx >= len(fs.entries) {
		return fsEntry{}, false
	}
	return fs.entries[idx], true
}

// ensureShardLoaded guarantees that (indexName, shardID)'s file records have
// been spliced into the identifier space, reading and decoding the shard's
// metadata blob on first traversal. Read or format errors leave the shard
// unmarked so a later traversal may retry; they never corrupt the
// identifier table.
func (fs *FS) ensureShardLoaded(indexName string, shardID int) {
	key := shardKey{indexName, shardID}

	fs.loadedMu.Lock()
	defer fs.loadedMu.Unlock()
	if fs.loaded[key] {
		return
	}

	idx, ok := fs.resolved.Indices[indexName]
	if !ok {
		return
	}
	path := filepath.Join(fs.repoRoot, "indices", idx.ID, strconv.Itoa(shardID),
		"snap-"+fs.resolved.SnapshotID+".dat")

	raw, err := os.ReadFile(path)
	if err != nil {
		log.Printf("snapshotfs: reading shard metadata %s: %v", path, err)
		return
	}
	tree, err := metadata.Load(raw)
	if err != nil {
		log.Printf("snapshotfs: decoding shard metadata %s: %v", path, err)
		return
	}
	files, err := metadata.ParseFiles(tree)
	if err != nil {
		log.Printf("snapshotfs: parsing file records %s: %v", path, err)
		return
	}

	fs.mu.Lock()
	ids := make([]fuseops.InodeID, 0, len(files))
	for _, f := range files {
		fs.entries = append(fs.entries, fsEntry{kind: kindFile, indexName: indexName, shardID: shardID, file: f})
		ids = append(ids, fs.lastInode())
	}
	fs.shardFiles[key] = ids
	fs.mu.Unlock()

	fs.loaded[key] = true
}

func (fs *FS) dirAttributes() fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Nlink: 2,
		Mode:  os.ModeDir | 0555,
	}
}

func (fs *FS) fileAttributes(size uint64) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  size,
		Nlink: 1,
		Mode:  0444,
	}
}

func (fs *FS) attributesFor(e fsEntry) fuseops.InodeAttributes {
	if e.kind == kindFile {
		return fs.fileAttributes(e.file.Length)
	}
	return fs.dirAttributes()
}

func (fs *FS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = blockSize
	op.IoSize = 1 << 16
	op.Blocks = 1
	op.BlocksFree = 0
	op.BlocksAvailable = 0
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, ok := fs.getEntry(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	switch parent.kind {
	case kindRoot:
		fs.mu.RLock()
		ino, ok := fs.indexDirInode[op.Name]
		fs.mu.RUnlock()
		if !ok {
			return fuse.ENOENT
		}
		op.Entry.Child = ino
		op.Entry.Attributes = fs.dirAttributes()
		op.Entry.AttributesExpiration = time.Now().Add(attrTTL)
		op.Entry.EntryExpiration = time.Now().Add(attrTTL)
		return nil

	case kindIndexDir:
		shardID, err := strconv.Atoi(op.Name)
		if err != nil {
			return fuse.ENOENT
		}
		fs.mu.RLock()
		ino, ok := fs.shardDirInode[shardKey{parent.indexName, shardID}]
		fs.mu.RUnlock()
		if !ok {
			return fuse.ENOENT
		}
		op.Entry.Child = ino
		op.Entry.Attributes = fs.dirAttributes()
		op.Entry.AttributesExpiration = time.Now().Add(attrTTL)
		op.Entry.EntryExpiration = time.Now().Add(attrTTL)
		return nil

	case kindShardDir:
		fs.ensureShardLoaded(parent.indexName, parent.shardID)
		fs.mu.RLock()
		var found fuseops.InodeID
		var foundEntry fsEntry
		for _, ino := range fs.shardFiles[shardKey{parent.indexName, parent.shardID}] {
			e := fs.entries[ino-1]
			if e.file.PhysicalName == op.Name {
				found, foundEntry = ino, e
				break
			}
		}
		fs.mu.RUnlock()
		if found == 0 {
			return fuse.ENOENT
		}
		op.Entry.Child = found
		op.Entry.Attributes = fs.attributesFor(foundEntry)
		op.Entry.AttributesExpiration = time.Now().Add(attrTTL)
		op.Entry.EntryExpiration = time.Now().Add(attrTTL)
		return nil

	default: // kindFile
		return syscall.ENOTDIR
	}
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	e, ok := fs.getEntry(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	op.Attributes = fs.attributesFor(e)
	op.AttributesExpiration = time.Now().Add(attrTTL)
	return nil
}

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	// Instruct the kernel not to send further OpenDir/ReleaseDirHandle
	// requests; ReadDir is self-contained and needs no handle state.
	return fuse.ENOSYS
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	e, ok := fs.getEntry(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	var entries []fuseutil.Dirent
	appendEntry := func(ino fuseops.InodeID, name string, typ fuseutil.DirentType) {
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1),
			Inode:  ino,
			Name:   name,
			Type:   typ,
		})
	}
	appendEntry(op.Inode, ".", fuseutil.DT_Directory)
	appendEntry(fuseops.RootInodeID, "..", fuseutil.DT_Directory)

	switch e.kind {
	case kindRoot:
		fs.mu.RLock()
		names := make([]string, 0, len(fs.indexDirInode))
		for name := range fs.indexDirInode {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			appendEntry(fs.indexDirInode[name], name, fuseutil.DT_Directory)
		}
		fs.mu.RUnlock()

	case kindIndexDir:
		fs.mu.RLock()
		idx := fs.resolved.Indices[e.indexName]
		for shard := 0; shard < idx.NumShards; shard++ {
			ino := fs.shardDirInode[shardKey{e.indexName, shard}]
			appendEntry(ino, strconv.Itoa(shard), fuseutil.DT_Directory)
		}
		fs.mu.RUnlock()

	case kindShardDir:
		fs.ensureShardLoaded(e.indexName, e.shardID)
		fs.mu.RLock()
		for _, ino := range fs.shardFiles[shardKey{e.indexName, e.shardID}] {
			appendEntry(ino, fs.entries[ino-1].file.PhysicalName, fuseutil.DT_File)
		}
		fs.mu.RUnlock()

	default: // kindFile
		return syscall.ENOTDIR
	}

	if op.Offset > fuseops.DirOffset(len(entries)) {
		return fuse.EIO
	}

	for _, dirent := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], dirent)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	// Instruct the kernel not to send further OpenFile/ReleaseFileHandle
	// requests; ReadFile carries no handle state of its own.
	return fuse.ENOSYS
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	e, ok := fs.getEntry(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	if e.kind != kindFile {
		return syscall.EISDIR
	}

	n, err := fs.readFileData(e, op.Dst, op.Offset)
	op.BytesRead = n
	return err
}

func (fs *FS) Destroy() {}
