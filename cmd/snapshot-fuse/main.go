// Command snapshot-fuse mounts an Elasticsearch/OpenSearch snapshot
// repository as a read-only virtual filesystem of Lucene segment files.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/opensearch-project/snapshot-fuse/internal/repo"
	"github.com/opensearch-project/snapshot-fuse/internal/snapshotfs"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "snapshot-fuse <repo-root> <snapshot-name> <mount-point>",
		Short: "Mount a snapshot repository as a read-only Lucene file tree",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1], args[2])
		},
		SilenceUsage: true,
	}

	if err := rootCmd.Execute(); err != nil {
		log.Printf("snapshot-fuse: %v", err)
		os.Exit(1)
	}
}

func run(repoRoot, snapshotName, mountpoint string) error {
	ctx := context.Background()

	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return xerrors.Errorf("creating mount point %s: %w", mountpoint, err)
	}

	resolved, err := repo.Resolve(ctx, repoRoot, snapshotName)
	if err != nil {
		return xerrors.Errorf("resolving snapshot %q: %w", snapshotName, err)
	}
	logStartupSummary(snapshotName, resolved)

	fs := snapshotfs.New(repoRoot, resolved)
	join, err := snapshotfs.Mount(mountpoint, fs)
	if err != nil {
		return xerrors.Errorf("mounting at %s: %w", mountpoint, err)
	}
	log.Printf("mounted %s at %s", snapshotName, mountpoint)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Printf("received signal, unmounting %s", mountpoint)
		if err := fuse.Unmount(mountpoint); err != nil {
			fmt.Fprintf(os.Stderr, "unmount: %v\n", err)
		}
	}()

	if err := join(ctx); err != nil {
		return xerrors.Errorf("waiting for unmount: %w", err)
	}
	return nil
}

func logStartupSummary(snapshotName string, resolved *repo.Resolved) {
	names := make([]string, 0, len(resolved.Indices))
	for name := range resolved.Indices {
		names = append(names, name)
	}
	sort.Strings(names)
	log.Printf("snapshot %q resolved to %d indices", snapshotName, len(names))
	for _, name := range names {
		idx := resolved.Indices[name]
		log.Printf("  %s (id=%s): %d shards", name, idx.ID, idx.NumShards)
	}
}
