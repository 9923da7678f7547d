// Package scanner walks source trees and emits FolderRecord and FileRecord
// entries into the Catalog Store.
//
// Enumeration is restartable and KEEP-aware: a folder already present in the
// catalog at an unchanged mtime is not re-recorded and its files are not
// re-probed (the walk still descends into its subfolders), and the Scanner never
// descends into a subtree whose FolderRecord already carries a committed
// "keep" action, since spec §5's KEEP inheritance invariant means nothing
// below it can ever be re-evaluated. "keep_except" folders are the one
// exception: their immediate contents are still walked so the chain can
// re-root classification at each child.
//
// Modeled on the teacher's filepath.Walk-based repository walker: skip-dir
// checks first, context cancellation checked per entry, errors on individual
// files absorbed rather than aborting the whole walk.
package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/sortkeep/curator/internal/apperr"
	"github.com/sortkeep/curator/internal/catalog"
	"github.com/sortkeep/curator/internal/ignorefile"
	"github.com/sortkeep/curator/internal/model"
	"github.com/sortkeep/curator/internal/probe"
)

// Store is the subset of *catalog.Store the Scanner needs, so tests can
// supply a fake.
type Store interface {
	GetFolder(path string) (model.FolderRecord, bool, error)
	PutFolder(ctx context.Context, rec model.FolderRecord) error
	PutFile(ctx context.Context, rec model.FileRecord) error
}

var _ Store = (*catalog.Store)(nil)

// Config controls one Scanner run.
type Config struct {
	RunID       string
	Roots       []string
	Workers     int
	IgnoreFiles []string
}

// Scanner walks Config.Roots and records every folder and file it finds.
type Scanner struct {
	store  Store
	prober probe.Prober
	ignore *ignorefile.Parser
	cfg    Config
}

// New builds a Scanner. prober may be nil to skip MIME sniffing; files are
// then recorded with probe.FallbackMIME.
func New(store Store, prober probe.Prober, cfg Config) *Scanner {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Scanner{
		store:  store,
		prober: prober,
		ignore: ignorefile.NewParser(cfg.IgnoreFiles),
		cfg:    cfg,
	}
}

// Run walks every configured root and populates the Catalog Store. Each root
// is walked sequentially (its directory structure is inherently serial —
// parents must be recorded before children for depth bookkeeping), while
// file metadata probing within a folder fans out across cfg.Workers
// goroutines via a conc pool.
func (s *Scanner) Run(ctx context.Context) error {
	for _, root := range s.cfg.Roots {
		if err := s.walkRoot(ctx, root); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) walkRoot(ctx context.Context, root string) error {
	root = filepath.Clean(root)
	extra, err := s.ignore.ParseRoot(root)
	if err != nil {
		return apperr.NewProbeError(root, "reading ignore file", err)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d.IsDir() {
			return s.visitDir(ctx, root, path, d, extra)
		}
		return nil
	})
}

// visitDir records one FolderRecord and, unless the folder is a committed
// "keep", enumerates and records its immediate file children. Returning
// fs.SkipDir stops filepath.WalkDir from descending further, which is how
// KEEP inheritance is enforced at the enumeration layer: a committed KEEP
// subtree is never even walked, let alone reclassified.
func (s *Scanner) visitDir(ctx context.Context, root, path string, d fs.DirEntry, extra map[string]bool) error {
	if path != root && ignorefile.Skip(filepath.Base(path), extra) {
		return fs.SkipDir
	}

	if d.Type()&os.ModeSymlink != 0 {
		return fs.SkipDir
	}

	existing, found, err := s.store.GetFolder(path)
	if err != nil {
		return err
	}
	if found && existing.Action == model.ActionKeep {
		return fs.SkipDir
	}

	info, err := d.Info()
	if err != nil {
		return err
	}

	depth := 0
	if path != root {
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		depth = len(splitClean(rel))
	}
	parent := ""
	if path != root {
		parent = filepath.Dir(path)
	}

	if found && existing.ModTime.Equal(info.ModTime()) {
		// Already scanned at this mtime: nothing changed, skip re-counting
		// children but still allow the walk to descend so nested
		// already-scanned folders get the same fast path.
		return nil
	}

	children, err := os.ReadDir(path)
	if err != nil {
		return apperr.NewProbeError(path, "reading directory entries", err)
	}

	var fileCount, subfolderCount int
	var files []fs.DirEntry
	for _, c := range children {
		if c.IsDir() {
			subfolderCount++
			continue
		}
		fileCount++
		files = append(files, c)
	}

	rec := model.FolderRecord{
		RunID:        s.cfg.RunID,
		Path:         path,
		Depth:        depth,
		Parent:       parent,
		ModTime:      info.ModTime(),
		FileCount:    fileCount,
		SubfolderCnt: subfolderCount,
	}
	if err := s.store.PutFolder(ctx, rec); err != nil {
		return err
	}

	return s.scanFiles(ctx, path, files)
}

func (s *Scanner) scanFiles(ctx context.Context, dir string, files []fs.DirEntry) error {
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	p := pool.New().WithContext(ctx).WithMaxGoroutines(s.cfg.Workers)
	for _, f := range files {
		f := f
		p.Go(func(ctx context.Context) error {
			return s.scanFile(ctx, filepath.Join(dir, f.Name()))
		})
	}
	return p.Wait()
}

func (s *Scanner) scanFile(ctx context.Context, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		// A file that cannot be stat'ed is skipped; the walk continues.
		return nil
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil
	}

	rec := model.FileRecord{
		RunID:   s.cfg.RunID,
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		MIME:    probe.FallbackMIME,
	}

	if s.prober != nil {
		result := probe.Probe(ctx, s.prober, path)
		rec.MIME = result.MIME
		rec.Metadata = result.EXIF
	}

	return s.store.PutFile(ctx, rec)
}

func splitClean(rel string) []string {
	rel = filepath.Clean(rel)
	if rel == "." || rel == "" {
		return nil
	}
	return strings.Split(filepath.ToSlash(rel), "/")
}
