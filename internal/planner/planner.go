// Package planner consolidates classifications, duplicate groups, and
// folder actions frozen in the catalog into a deterministic target-path
// reorganization plan.
package planner

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sortkeep/curator/internal/apperr"
	"github.com/sortkeep/curator/internal/model"
)

// Store is the subset of *catalog.Store the Planner needs.
type Store interface {
	FoldersByDepthRange(minDepth, maxDepth int) ([]model.FolderRecord, error)
	FilesUnderPrefix(prefix string) ([]model.FileRecord, error)
	AllDuplicateGroups(isFolder bool) ([]model.DuplicateGroup, error)
	PutPlanEntry(ctx context.Context, entry model.PlanEntry) error
	AllPlanEntries() ([]model.PlanEntry, error)
}

// LoadCategories reads a header-less, one-prefix-per-line categories file.
// Blank lines and "#" comments are ignored. A nil/empty result disables
// target validation, which Planner treats as permissive.
func LoadCategories(path string) (map[string]bool, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.NewConfigError("opening categories file", err)
	}
	defer f.Close()

	categories := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		categories[line] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.NewConfigError("reading categories file", err)
	}
	return categories, nil
}

// Config controls one Planner run.
type Config struct {
	RunID string
}

// Planner builds the deterministic reorganization plan.
type Planner struct {
	store      Store
	categories map[string]bool
	cfg        Config
}

// New builds a Planner. categories may be nil to disable target validation.
func New(store Store, categories map[string]bool, cfg Config) *Planner {
	return &Planner{store: store, categories: categories, cfg: cfg}
}

// Run reads every classified folder and file under roots and emits
// PlanEntry records, sorted by source path ascending per spec §4.8.
func (p *Planner) Run(ctx context.Context, roots []string) error {
	folders, err := p.store.FoldersByDepthRange(0, math.MaxInt32)
	if err != nil {
		return err
	}
	folderByPath := make(map[string]model.FolderRecord, len(folders))
	for _, f := range folders {
		folderByPath[f.Path] = f
	}

	folderCanonical, err := p.canonicalMap(true)
	if err != nil {
		return err
	}
	fileCanonical, err := p.canonicalMap(false)
	if err != nil {
		return err
	}

	var entries []model.PlanEntry
	seenTargets := make(map[string]int)

	sort.Slice(folders, func(i, j int) bool { return folders[i].Path < folders[j].Path })
	for _, folder := range folders {
		if !isTopLevelKeep(folder) {
			continue
		}
		entry, err := p.planKeepUnit(folder, folderCanonical, seenTargets)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}

	var allFiles []model.FileRecord
	for _, root := range roots {
		files, err := p.store.FilesUnderPrefix(root)
		if err != nil {
			return err
		}
		allFiles = append(allFiles, files...)
	}
	sort.Slice(allFiles, func(i, j int) bool { return allFiles[i].Path < allFiles[j].Path })

	for _, file := range allFiles {
		parent, ok := folderByPath[filepath.Dir(file.Path)]
		if ok && underKeepUnit(parent, folderByPath) {
			// Covered by the ancestor keep-unit entry; no individual
			// file entry per spec §8's keep-only-root boundary case.
			continue
		}
		entry, err := p.planFile(file, fileCanonical, seenTargets)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Source < entries[j].Source })
	for _, e := range entries {
		e.RunID = p.cfg.RunID
		if err := p.store.PutPlanEntry(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// isTopLevelKeep reports whether folder is a keep folder whose own action
// was decided directly (not inherited from a keep ancestor): the root of
// a keep unit.
func isTopLevelKeep(folder model.FolderRecord) bool {
	return folder.Action == model.ActionKeep && folder.Source != model.SourceInherited
}

// underKeepUnit walks parent is up to find whether folder sits beneath
// (or is) a top-level keep folder.
func underKeepUnit(folder model.FolderRecord, byPath map[string]model.FolderRecord) bool {
	cur := folder
	for {
		if cur.Action == model.ActionKeep {
			return true
		}
		if cur.Parent == "" {
			return false
		}
		parent, ok := byPath[cur.Parent]
		if !ok {
			return false
		}
		cur = parent
	}
}

func (p *Planner) planKeepUnit(folder model.FolderRecord, canonical map[string]string, seenTargets map[string]int) (model.PlanEntry, error) {
	if rep, isMember := canonical[folder.Path]; isMember && rep != folder.Path {
		return model.PlanEntry{
			Source:      folder.Path,
			Kind:        model.KindSkipDuplicate,
			DecidedBy:   folder.Source,
			DuplicateOf: rep,
		}, nil
	}

	target := filepath.Join(folder.Category, filepath.Base(folder.Path))
	target = dedupeTarget(target, seenTargets)
	if err := p.validateTarget(target); err != nil {
		return model.PlanEntry{}, err
	}
	return model.PlanEntry{
		Source:    folder.Path,
		Target:    target,
		Kind:      model.KindKeepUnit,
		DecidedBy: folder.Source,
	}, nil
}

func (p *Planner) planFile(file model.FileRecord, canonical map[string]string, seenTargets map[string]int) (model.PlanEntry, error) {
	if rep, isMember := canonical[file.Path]; isMember && rep != file.Path {
		return model.PlanEntry{
			Source:      file.Path,
			Kind:        model.KindSkipDuplicate,
			DecidedBy:   file.Class.Source,
			DuplicateOf: rep,
		}, nil
	}

	target := filepath.Join(file.Class.Category, filepath.Base(file.Path))
	target = dedupeTarget(target, seenTargets)
	if err := p.validateTarget(target); err != nil {
		return model.PlanEntry{}, err
	}
	return model.PlanEntry{
		Source:    file.Path,
		Target:    target,
		Kind:      model.KindPlace,
		DecidedBy: file.Class.Source,
	}, nil
}

// dedupeTarget appends a deterministic " (n)" suffix before the extension
// on the second and later occurrences of the same target path: the second
// becomes "name (2).ext", the third "name (3).ext".
func dedupeTarget(target string, seen map[string]int) string {
	n := seen[target]
	seen[target] = n + 1
	if n == 0 {
		return target
	}
	ext := filepath.Ext(target)
	base := strings.TrimSuffix(target, ext)
	return fmt.Sprintf("%s (%d)%s", base, n+1, ext)
}

func (p *Planner) validateTarget(target string) error {
	if len(p.categories) == 0 {
		return nil
	}
	dir := filepath.Dir(target)
	for prefix := range p.categories {
		if dir == prefix || strings.HasPrefix(dir, prefix+"/") {
			return nil
		}
	}
	return apperr.NewPlanConflict(target, "target category path is not in the categories file")
}

// canonicalMap maps every member of every duplicate group to its canonical
// representative's path, for folders or files depending on isFolder.
func (p *Planner) canonicalMap(isFolder bool) (map[string]string, error) {
	groups, err := p.store.AllDuplicateGroups(isFolder)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, g := range groups {
		for _, m := range g.Members {
			out[m] = g.Canonical
		}
	}
	return out, nil
}
