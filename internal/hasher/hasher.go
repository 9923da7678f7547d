// Package hasher computes content fingerprints for files and
// order-independent aggregate fingerprints for folders, feeding the
// duplicate groups the Planner later collapses.
//
// For files the fingerprint is a streaming hash of the file's bytes. For
// folders it is the hash of the sorted concatenation of
// (relative_name, child_hash) pairs across immediate children only —
// sorted so that two folders with identical contents hash identically
// regardless of the order the filesystem happened to list them in, per
// spec §4.5/§8's "aggregate folder hash is invariant under reordering of
// children on disk" property.
package hasher

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"github.com/sortkeep/curator/internal/apperr"
	"github.com/sortkeep/curator/internal/model"
)

// emptyFolderSentinel is the aggregate hash assigned to a folder with no
// hashable children. Spec §9 leaves this choice open; a fixed sentinel
// keeps empty folders from colliding with any real content hash.
const emptyFolderSentinel = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b85-empty"

// Store is the subset of *catalog.Store the Hasher needs.
type Store interface {
	FilesUnderPrefix(prefix string) ([]model.FileRecord, error)
	FoldersByDepthRange(minDepth, maxDepth int) ([]model.FolderRecord, error)
	PutFile(ctx context.Context, rec model.FileRecord) error
	PutFolder(ctx context.Context, rec model.FolderRecord) error
	AddHashMember(ctx context.Context, hash, path string, isFolder bool) error
}

// Config controls one Hasher run.
type Config struct {
	Algorithm string // "sha256" (default) or "sha512"
	Workers   int
}

// Hasher computes and records content and aggregate hashes.
type Hasher struct {
	store Store
	cfg   Config
}

// New builds a Hasher.
func New(store Store, cfg Config) *Hasher {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "sha256"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Hasher{store: store, cfg: cfg}
}

func (h *Hasher) newHash() (hash.Hash, error) {
	switch h.cfg.Algorithm {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", h.cfg.Algorithm)
	}
}

// Run hashes every unhashed file under the given roots, then computes
// aggregate folder hashes bottom-up so that a parent's hash can always
// consume its children's already-computed hashes.
func (h *Hasher) Run(ctx context.Context, roots []string) error {
	if err := h.hashFiles(ctx, roots); err != nil {
		return err
	}
	return h.hashFolders(ctx, roots)
}

func (h *Hasher) hashFiles(ctx context.Context, roots []string) error {
	var allFiles []model.FileRecord
	for _, root := range roots {
		files, err := h.store.FilesUnderPrefix(root)
		if err != nil {
			return err
		}
		allFiles = append(allFiles, files...)
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(h.cfg.Workers)
	for _, f := range allFiles {
		f := f
		if f.ContentSHA != "" {
			continue
		}
		p.Go(func(ctx context.Context) error {
			err := h.hashFile(ctx, f)
			var probeErr *apperr.ProbeError
			if errors.As(err, &probeErr) {
				// An unreadable file stays unhashed; the run continues.
				return nil
			}
			return err
		})
	}
	return p.Wait()
}

func (h *Hasher) hashFile(ctx context.Context, rec model.FileRecord) error {
	digest, err := h.fileDigest(rec.Path)
	if err != nil {
		return apperr.NewProbeError(rec.Path, "hashing file", err)
	}
	rec.ContentSHA = digest
	if err := h.store.PutFile(ctx, rec); err != nil {
		return err
	}
	return h.store.AddHashMember(ctx, digest, rec.Path, false)
}

func (h *Hasher) fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum, err := h.newHash()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(sum, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%x", h.cfg.Algorithm, sum.Sum(nil)), nil
}

// hashFolders processes every folder depth from deepest to shallowest so a
// folder's aggregate hash always has its children's hashes available.
func (h *Hasher) hashFolders(ctx context.Context, roots []string) error {
	folders, err := h.store.FoldersByDepthRange(0, math.MaxInt32)
	if err != nil {
		return err
	}

	byDepth := make(map[int][]model.FolderRecord)
	maxDepth := 0
	for _, f := range folders {
		byDepth[f.Depth] = append(byDepth[f.Depth], f)
		if f.Depth > maxDepth {
			maxDepth = f.Depth
		}
	}

	childAggregates := make(map[string]string) // folder path -> aggregate hash
	childFiles := make(map[string][]model.FileRecord)
	for _, root := range roots {
		files, err := h.store.FilesUnderPrefix(root)
		if err != nil {
			return err
		}
		for _, f := range files {
			parent := filepath.Dir(f.Path)
			childFiles[parent] = append(childFiles[parent], f)
		}
	}

	for depth := maxDepth; depth >= 0; depth-- {
		for _, folder := range byDepth[depth] {
			digest := h.aggregateDigest(folder.Path, childFiles[folder.Path], byDepth[depth+1], childAggregates)
			folder.AggregateSHA = digest
			if err := h.store.PutFolder(ctx, folder); err != nil {
				return err
			}
			if err := h.store.AddHashMember(ctx, digest, folder.Path, true); err != nil {
				return err
			}
			childAggregates[folder.Path] = digest
		}
	}
	return nil
}

// aggregateDigest hashes the sorted concatenation of (relative_name,
// child_hash) pairs across folder's immediate file and subfolder children.
func (h *Hasher) aggregateDigest(folderPath string, files []model.FileRecord, allChildDepthFolders []model.FolderRecord, aggregates map[string]string) string {
	type entry struct {
		name string
		hash string
	}
	var entries []entry
	for _, f := range files {
		if f.ContentSHA == "" {
			continue
		}
		entries = append(entries, entry{name: filepath.Base(f.Path), hash: f.ContentSHA})
	}
	for _, sub := range allChildDepthFolders {
		if filepath.Dir(sub.Path) != folderPath {
			continue
		}
		aggHash, ok := aggregates[sub.Path]
		if !ok {
			continue
		}
		entries = append(entries, entry{name: filepath.Base(sub.Path), hash: aggHash})
	}

	if len(entries) == 0 {
		return emptyFolderSentinel
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].name != entries[j].name {
			return entries[i].name < entries[j].name
		}
		return entries[i].hash < entries[j].hash
	})

	sum, err := h.newHash()
	if err != nil {
		return emptyFolderSentinel
	}
	for _, e := range entries {
		fmt.Fprintf(sum, "%s:%s\n", e.name, e.hash)
	}
	return fmt.Sprintf("%s:%x", h.cfg.Algorithm, sum.Sum(nil))
}
