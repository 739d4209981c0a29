package repo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opensearch-project/snapshot-fuse/internal/fserr"
	"github.com/stretchr/testify/require"
)

const indexFileFixture = `{
  "snapshots": [
    {"name": "rfs-snapshot", "uuid": "KhcpVj8aRMek0oLMUSPHeg"}
  ],
  "indices": {
    "bwc_index_1": {
      "id": "0edrmuSPR1CIr2B6BZbMJA",
      "snapshots": ["KhcpVj8aRMek0oLMUSPHeg"],
      "shard_generations": ["0"]
    }
  }
}`

func writeFixture(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index-1"), []byte(indexFileFixture), 0644))
}

func TestResolve_SingleSnapshot(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root)

	resolved, err := Resolve(context.Background(), root, "rfs-snapshot")
	require.NoError(t, err)
	require.Equal(t, "KhcpVj8aRMek0oLMUSPHeg", resolved.SnapshotID)
	require.Equal(t, "rfs-snapshot", resolved.SnapshotName)
	require.Len(t, resolved.Indices, 1)

	idx, ok := resolved.Indices["bwc_index_1"]
	require.True(t, ok)
	require.Equal(t, "0edrmuSPR1CIr2B6BZbMJA", idx.ID)
	require.Equal(t, 1, idx.NumShards)
}

func TestResolve_UnknownSnapshot(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root)

	_, err := Resolve(context.Background(), root, "nonexistent")
	require.Error(t, err)
	require.ErrorIs(t, err, fserr.NotFound)
}

func TestResolve_PicksMaxNumberedIndexFile(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root) // index-1
	stale := `{"snapshots": [{"name": "stale", "uuid": "stale-uuid"}], "indices": {}}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "index-0"), []byte(stale), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index-2"), []byte(indexFileFixture), 0644))

	resolved, err := Resolve(context.Background(), root, "rfs-snapshot")
	require.NoError(t, err)
	require.Equal(t, "KhcpVj8aRMek0oLMUSPHeg", resolved.SnapshotID)
}

func TestResolve_ShardCountFromDirectoryListingWhenNoGenerations(t *testing.T) {
	root := t.TempDir()
	fixture := `{
		"snapshots": [{"name": "snap", "uuid": "uuid-1"}],
		"indices": {
			"idx": {"id": "idx-id", "snapshots": ["uuid-1"]}
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "index-1"), []byte(fixture), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "indices", "idx-id", "0"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "indices", "idx-id", "1"), 0755))

	resolved, err := Resolve(context.Background(), root, "snap")
	require.NoError(t, err)
	require.Equal(t, 2, resolved.Indices["idx"].NumShards)
}

func TestResolve_IndexMetadataLookupSelectsParticipants(t *testing.T) {
	root := t.TempDir()
	fixture := `{
		"snapshots": [{
			"name": "snap",
			"uuid": "uuid-1",
			"index_metadata_lookup": {"idx-id": "meta-1"}
		}],
		"indices": {
			"idx": {"id": "idx-id", "shard_generations": ["0"]},
			"other": {"id": "other-id", "shard_generations": ["0"]}
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "index-1"), []byte(fixture), 0644))

	resolved, err := Resolve(context.Background(), root, "snap")
	require.NoError(t, err)
	require.Len(t, resolved.Indices, 1)
	_, ok := resolved.Indices["idx"]
	require.True(t, ok)
}

func TestResolve_NoIndexFile(t *testing.T) {
	root := t.TempDir()
	_, err := Resolve(context.Background(), root, "anything")
	require.Error(t, err)
	require.ErrorIs(t, err, fserr.NotFound)
}
