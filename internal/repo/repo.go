// Package repo resolves an ES/OS snapshot repository's top-level index file
// to discover which indices and shards belong to a named snapshot.
package repo

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/opensearch-project/snapshot-fuse/internal/fserr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Index describes one index participating in a resolved snapshot.
type Index struct {
	Name      string
	ID        string
	NumShards int
}

// Resolved is the outcome of resolving a snapshot name against a repository
// root: its stable identifier and the indices (with shard counts) it
// contains. It is built once at startup and never mutated afterward.
type Resolved struct {
	SnapshotID   string
	SnapshotName string
	Indices      map[string]Index
}

// repoIndexFile mirrors the fields of the textual JSON index-N file that
// this package reads. Other fields present in the real document are
// ignored.
type repoIndexFile struct {
	Snapshots []snapshotEntry  `json:"snapshots"`
	Indices   map[string]index `json:"indices"`
}

type snapshotEntry struct {
	Name                string            `json:"name"`
	UUID                string            `json:"uuid"`
	IndexMetadataLookup map[string]string `json:"index_metadata_lookup"`
}

type index struct {
	ID               string   `json:"id"`
	Snapshots        []string `json:"snapshots"`
	ShardGenerations []string `json:"shard_generations"`
}

// Resolve reads root's repository index file and resolves snapshotName
// against it, returning the participating indices and their shard counts.
func Resolve(ctx context.Context, root, snapshotName string) (*Resolved, error) {
	indexFile, err := findIndexFile(root)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(indexFile)
	if err != nil {
		return nil, xerrors.Errorf("reading %s: %w", indexFile, err)
	}

	var doc repoIndexFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Errorf("parsing %s: %w: %w", indexFile, err, fserr.InvalidFormat)
	}

	var snap *snapshotEntry
	for i := range doc.Snapshots {
		if doc.Snapshots[i].Name == snapshotName {
			snap = &doc.Snapshots[i]
			break
		}
	}
	if snap == nil {
		return nil, xerrors.Errorf("snapshot %q: %w", snapshotName, fserr.NotFound)
	}

	type participant struct {
		name string
		idx  index
	}
	var participants []participant
	if snap.IndexMetadataLookup != nil {
		for name, idx := range doc.Indices {
			if _, ok := snap.IndexMetadataLookup[idx.ID]; ok {
				participants = append(participants, participant{name, idx})
			}
		}
	} else {
		for name, idx := range doc.Indices {
			if containsString(idx.Snapshots, snap.UUID) {
				participants = append(participants, participant{name, idx})
			}
		}
	}

	resolved := make([]Index, len(participants))
	g, _ := errgroup.WithContext(ctx)
	for i, p := range participants {
		i, p := i, p
		g.Go(func() error {
			numShards := len(p.idx.ShardGenerations)
			if numShards == 0 {
				n, err := countShardDirs(root, p.idx.ID)
				if err != nil {
					return err
				}
				numShards = n
			}
			resolved[i] = Index{Name: p.name, ID: p.idx.ID, NumShards: numShards}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	indices := make(map[string]Index, len(resolved))
	for _, idx := range resolved {
		indices[idx.Name] = idx
	}

	return &Resolved{
		SnapshotID:   snap.UUID,
		SnapshotName: snapshotName,
		Indices:      indices,
	}, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// findIndexFile locates the "index-N" file in root whose N, parsed as an
// unsigned integer, is greatest.
func findIndexFile(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", xerrors.Errorf("reading repository root %s: %w", root, err)
	}
	var best string
	var bestN uint64
	found := false
	for _, e := range entries {
		suffix, ok := strings.CutPrefix(e.Name(), "index-")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil {
			continue
		}
		if !found || n > bestN {
			found, bestN, best = true, n, e.Name()
		}
	}
	if !found {
		return "", xerrors.Errorf("no index-N file found under %s: %w", root, fserr.NotFound)
	}
	return filepath.Join(root, best), nil
}

// countShardDirs counts the numerically-named subdirectories of
// root/indices/<indexID>/, used when an index carries no shard_generations.
func countShardDirs(root, indexID string) (int, error) {
	dir := filepath.Join(root, "indices", indexID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, xerrors.Errorf("reading %s: %w", dir, err)
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.ParseUint(e.Name(), 10, 32); err == nil {
			count++
		}
	}
	return count, nil
}
