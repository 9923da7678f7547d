// Package catalog implements the Catalog Store: a durable, key-addressed
// store of file and folder records, hashes, duplicate groups, and plan
// entries, backed by a single go.etcd.io/bbolt database file.
//
// Writes are batched and committed by a single writer goroutine; readers
// use bbolt's native MVCC snapshots and need no additional locking, which
// gives exactly the "single writer, concurrent consistent readers"
// contract spec §4.3/§5 calls for.
package catalog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.etcd.io/bbolt"

	"github.com/sortkeep/curator/internal/apperr"
	"github.com/sortkeep/curator/internal/model"
)

// SchemaVersion is the current on-disk schema version. A Catalog opened
// against a database stamped with a different version fails hard at
// startup per spec §6/§7.
const SchemaVersion uint32 = 1

const (
	bucketFiles       = "files"
	bucketFolders     = "folders"
	bucketFileHashes  = "file_hashes"
	bucketFolderHashes = "folder_hashes"
	bucketPlanEntries = "plan_entries"
	bucketMeta        = "meta"

	metaSchemaVersionKey = "schema_version"
)

// Config controls Store construction.
type Config struct {
	Path           string
	BatchSize      int
	FolderCacheSize int
}

// job is one queued mutation plus the channel its caller blocks on.
type job struct {
	mutate func(*bbolt.Tx) error
	done   chan error
}

// Store is the Catalog Store. Safe for concurrent use by any number of
// readers and any number of producers; internally, all writes funnel
// through one writer goroutine.
type Store struct {
	db        *bbolt.DB
	path      string
	batchSize int

	jobs   chan job
	closed chan struct{}
	wg     sync.WaitGroup

	folderCache *lru.Cache[string, model.FolderRecord]
}

// Open opens (creating if necessary) the bbolt database at cfg.Path,
// verifies its schema version, and starts the batching writer.
func Open(cfg Config) (*Store, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FolderCacheSize <= 0 {
		cfg.FolderCacheSize = 4096
	}

	db, err := bbolt.Open(cfg.Path, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, apperr.NewCatalogError(cfg.Path, "opening database", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketFiles, bucketFolders, bucketFileHashes, bucketFolderHashes, bucketPlanEntries, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		meta := tx.Bucket([]byte(bucketMeta))
		existing := meta.Get([]byte(metaSchemaVersionKey))
		if existing == nil {
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, SchemaVersion)
			return meta.Put([]byte(metaSchemaVersionKey), buf)
		}
		got := binary.BigEndian.Uint32(existing)
		if got != SchemaVersion {
			return fmt.Errorf("catalog schema version %d does not match expected %d", got, SchemaVersion)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, apperr.NewCatalogError(cfg.Path, "schema version check", err)
	}

	cache, err := lru.New[string, model.FolderRecord](cfg.FolderCacheSize)
	if err != nil {
		db.Close()
		return nil, apperr.NewCatalogError(cfg.Path, "building folder cache", err)
	}

	s := &Store{
		db:          db,
		path:        cfg.Path,
		batchSize:   cfg.BatchSize,
		jobs:        make(chan job, cfg.BatchSize*2),
		closed:      make(chan struct{}),
		folderCache: cache,
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Close stops the writer goroutine, draining any queued jobs, and closes
// the underlying database.
func (s *Store) Close() error {
	close(s.closed)
	s.wg.Wait()
	return s.db.Close()
}

// writeLoop is the single writer: it accumulates up to batchSize jobs (or
// whatever arrives within a short window) into one bbolt transaction,
// giving backpressure to producers via the bounded jobs channel without
// forcing one commit per record.
func (s *Store) writeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	var pending []job

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		err := s.db.Update(func(tx *bbolt.Tx) error {
			for _, j := range batch {
				if err := j.mutate(tx); err != nil {
					return err
				}
			}
			return nil
		})
		for _, j := range batch {
			j.done <- err
		}
	}

	for {
		select {
		case j := <-s.jobs:
			pending = append(pending, j)
			if len(pending) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.closed:
			for {
				select {
				case j := <-s.jobs:
					pending = append(pending, j)
				default:
					flush()
					return
				}
			}
		}
	}
}

// enqueue submits mutate to the writer and blocks until it has been
// committed (or the batch transaction failed).
func (s *Store) enqueue(ctx context.Context, mutate func(*bbolt.Tx) error) error {
	done := make(chan error, 1)
	select {
	case s.jobs <- job{mutate: mutate, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PutFile inserts or updates a FileRecord.
func (s *Store) PutFile(ctx context.Context, rec model.FileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperr.NewCatalogError(s.path, "marshaling file record", err)
	}
	err = s.enqueue(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketFiles)).Put([]byte(rec.Path), data)
	})
	if err != nil {
		return apperr.NewCatalogError(s.path, "writing file record", err)
	}
	return nil
}

// PutFolder inserts or updates a FolderRecord and refreshes the read
// cache. Per spec §3, every FolderRecord must be classified exactly once;
// callers are responsible for checking GetFolder before transitioning
// Classified from false to true (enforced by the Classifier Chain's
// gates, not by the Store itself).
func (s *Store) PutFolder(ctx context.Context, rec model.FolderRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperr.NewCatalogError(s.path, "marshaling folder record", err)
	}
	err = s.enqueue(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketFolders)).Put([]byte(rec.Path), data)
	})
	if err != nil {
		return apperr.NewCatalogError(s.path, "writing folder record", err)
	}
	s.folderCache.Add(rec.Path, rec)
	return nil
}

// GetFile reads one FileRecord by path.
func (s *Store) GetFile(path string) (model.FileRecord, bool, error) {
	var rec model.FileRecord
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketFiles)).Get([]byte(path))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return rec, false, apperr.NewCatalogError(s.path, "reading file record", err)
	}
	return rec, found, nil
}

// GetFolder reads one FolderRecord by path, consulting the read-through
// cache first since the Classifier Chain repeatedly re-reads parent
// folder actions while walking folders depth band by depth band.
func (s *Store) GetFolder(path string) (model.FolderRecord, bool, error) {
	if rec, ok := s.folderCache.Get(path); ok {
		return rec, true, nil
	}

	var rec model.FolderRecord
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketFolders)).Get([]byte(path))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return rec, false, apperr.NewCatalogError(s.path, "reading folder record", err)
	}
	if found {
		s.folderCache.Add(path, rec)
	}
	return rec, found, nil
}

// FoldersByDepthRange returns all FolderRecords with Depth in [minDepth,
// maxDepth], sorted by path, for the Classifier Chain's depth-ascending
// traversal.
func (s *Store) FoldersByDepthRange(minDepth, maxDepth int) ([]model.FolderRecord, error) {
	var out []model.FolderRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketFolders))
		return b.ForEach(func(_, v []byte) error {
			var rec model.FolderRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Depth >= minDepth && rec.Depth <= maxDepth {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, apperr.NewCatalogError(s.path, "reading folders by depth", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// FilesUnderPrefix returns every FileRecord whose path is prefix or a
// descendant of prefix.
func (s *Store) FilesUnderPrefix(prefix string) ([]model.FileRecord, error) {
	var out []model.FileRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketFiles))
		return b.ForEach(func(k, v []byte) error {
			if !underPrefix(string(k), prefix) {
				return nil
			}
			var rec model.FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, apperr.NewCatalogError(s.path, "reading files under prefix", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func underPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

// AddHashMember records that path (a file or folder) has the given
// aggregate/content hash, appending it to that hash's duplicate group.
func (s *Store) AddHashMember(ctx context.Context, hash, path string, isFolder bool) error {
	bucket := bucketFileHashes
	if isFolder {
		bucket = bucketFolderHashes
	}
	return s.enqueue(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		var members []string
		if existing := b.Get([]byte(hash)); existing != nil {
			if err := json.Unmarshal(existing, &members); err != nil {
				return err
			}
		}
		for _, m := range members {
			if m == path {
				return nil
			}
		}
		members = append(members, path)
		data, err := json.Marshal(members)
		if err != nil {
			return err
		}
		return b.Put([]byte(hash), data)
	})
}

// DuplicateGroup returns the set of members sharing hash, or found=false
// if the group has fewer than two members (i.e. no duplicate exists).
func (s *Store) DuplicateGroup(hash string, isFolder bool) (model.DuplicateGroup, bool, error) {
	bucket := bucketFileHashes
	if isFolder {
		bucket = bucketFolderHashes
	}
	var members []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(hash))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &members)
	})
	if err != nil {
		return model.DuplicateGroup{}, false, apperr.NewCatalogError(s.path, "reading duplicate group", err)
	}
	if len(members) < 2 {
		return model.DuplicateGroup{}, false, nil
	}
	sort.Strings(members)
	return model.DuplicateGroup{
		Hash:          hash,
		Canonical:     members[0],
		Members:       members,
		IsFolderGroup: isFolder,
	}, true, nil
}

// AllDuplicateGroups returns every duplicate group (2+ members) recorded
// for files or folders.
func (s *Store) AllDuplicateGroups(isFolder bool) ([]model.DuplicateGroup, error) {
	bucket := bucketFileHashes
	if isFolder {
		bucket = bucketFolderHashes
	}
	var groups []model.DuplicateGroup
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		return b.ForEach(func(k, v []byte) error {
			var members []string
			if err := json.Unmarshal(v, &members); err != nil {
				return err
			}
			if len(members) < 2 {
				return nil
			}
			sorted := append([]string(nil), members...)
			sort.Strings(sorted)
			groups = append(groups, model.DuplicateGroup{
				Hash:          string(k),
				Canonical:     sorted[0],
				Members:       sorted,
				IsFolderGroup: isFolder,
			})
			return nil
		})
	})
	if err != nil {
		return nil, apperr.NewCatalogError(s.path, "reading all duplicate groups", err)
	}
	return groups, nil
}

// PutPlanEntry appends one PlanEntry, keyed by source path.
func (s *Store) PutPlanEntry(ctx context.Context, entry model.PlanEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return apperr.NewCatalogError(s.path, "marshaling plan entry", err)
	}
	return s.enqueue(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketPlanEntries)).Put([]byte(entry.Source), data)
	})
}

// AllPlanEntries returns every PlanEntry, sorted by source path ascending
// per spec §4.8's deterministic emission requirement.
func (s *Store) AllPlanEntries() ([]model.PlanEntry, error) {
	var out []model.PlanEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketPlanEntries))
		return b.ForEach(func(_, v []byte) error {
			var e model.PlanEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, apperr.NewCatalogError(s.path, "reading plan entries", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}
