package planner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sortkeep/curator/internal/model"
)

type fakeStore struct {
	folders      map[string]model.FolderRecord
	files        map[string]model.FileRecord
	folderGroups []model.DuplicateGroup
	fileGroups   []model.DuplicateGroup
	entries      []model.PlanEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{folders: make(map[string]model.FolderRecord), files: make(map[string]model.FileRecord)}
}

func (f *fakeStore) FoldersByDepthRange(minDepth, maxDepth int) ([]model.FolderRecord, error) {
	var out []model.FolderRecord
	for _, rec := range f.folders {
		if rec.Depth >= minDepth && rec.Depth <= maxDepth {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) FilesUnderPrefix(prefix string) ([]model.FileRecord, error) {
	var out []model.FileRecord
	for _, rec := range f.files {
		if strings.HasPrefix(rec.Path, prefix) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) AllDuplicateGroups(isFolder bool) ([]model.DuplicateGroup, error) {
	if isFolder {
		return f.folderGroups, nil
	}
	return f.fileGroups, nil
}

func (f *fakeStore) PutPlanEntry(_ context.Context, entry model.PlanEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeStore) AllPlanEntries() ([]model.PlanEntry, error) {
	return f.entries, nil
}

func TestKeepFolderProducesSingleKeepUnitEntry(t *testing.T) {
	store := newFakeStore()
	store.folders["/src"] = model.FolderRecord{Path: "/src", Depth: 0, Action: model.ActionDisaggregate, Source: model.SourceDefault}
	store.folders["/src/project"] = model.FolderRecord{
		Path: "/src/project", Depth: 1, Parent: "/src",
		Action: model.ActionKeep, Source: model.SourceRuleFinal, Category: "System/Metadata",
	}
	store.folders["/src/project/.git"] = model.FolderRecord{
		Path: "/src/project/.git", Depth: 2, Parent: "/src/project",
		Action: model.ActionKeep, Source: model.SourceInherited,
	}
	store.files["/src/project/.git/config"] = model.FileRecord{Path: "/src/project/.git/config"}

	p := New(store, nil, Config{RunID: "r1"})
	require.NoError(t, p.Run(context.Background(), []string{"/src"}))

	require.Len(t, store.entries, 1)
	require.Equal(t, model.KindKeepUnit, store.entries[0].Kind)
	require.Equal(t, "/src/project", store.entries[0].Source)
	require.Equal(t, "System/Metadata/project", store.entries[0].Target)
}

func TestDisaggregatedFilesPlacedByCategory(t *testing.T) {
	store := newFakeStore()
	store.folders["/src"] = model.FolderRecord{Path: "/src", Depth: 0, Action: model.ActionDisaggregate, Source: model.SourceDefault}
	store.files["/src/invoice.pdf"] = model.FileRecord{
		Path: "/src/invoice.pdf",
		Class: model.Classification{Category: "Documents/Finance", Source: model.SourceRuleFinal},
	}

	p := New(store, nil, Config{RunID: "r1"})
	require.NoError(t, p.Run(context.Background(), []string{"/src"}))

	require.Len(t, store.entries, 1)
	require.Equal(t, "Documents/Finance/invoice.pdf", store.entries[0].Target)
}

func TestDuplicateFileEmitsSkipDuplicate(t *testing.T) {
	store := newFakeStore()
	store.folders["/src"] = model.FolderRecord{Path: "/src", Depth: 0, Action: model.ActionDisaggregate, Source: model.SourceDefault}
	store.files["/Backup1/ProjectA/notes.txt"] = model.FileRecord{
		Path:  "/Backup1/ProjectA/notes.txt",
		Class: model.Classification{Category: "Documents/Misc", Source: model.SourceRuleFinal},
	}
	store.files["/Backup2/ProjectA/notes.txt"] = model.FileRecord{
		Path:  "/Backup2/ProjectA/notes.txt",
		Class: model.Classification{Category: "Documents/Misc", Source: model.SourceRuleFinal},
	}
	store.fileGroups = []model.DuplicateGroup{{
		Hash:      "sha256:deadbeef",
		Canonical: "/Backup1/ProjectA/notes.txt",
		Members:   []string{"/Backup1/ProjectA/notes.txt", "/Backup2/ProjectA/notes.txt"},
	}}

	p := New(store, nil, Config{RunID: "r1"})
	require.NoError(t, p.Run(context.Background(), []string{"/Backup1", "/Backup2"}))

	var skip, place int
	for _, e := range store.entries {
		switch e.Kind {
		case model.KindSkipDuplicate:
			skip++
			require.Equal(t, "/Backup1/ProjectA/notes.txt", e.DuplicateOf)
		case model.KindPlace:
			place++
		}
	}
	require.Equal(t, 1, skip)
	require.Equal(t, 1, place)
}

func TestCollisionsGetDeterministicSuffix(t *testing.T) {
	store := newFakeStore()
	store.folders["/src"] = model.FolderRecord{Path: "/src", Depth: 0, Action: model.ActionDisaggregate, Source: model.SourceDefault}
	store.files["/src/a/report.pdf"] = model.FileRecord{
		Path:  "/src/a/report.pdf",
		Class: model.Classification{Category: "Documents/Finance", Source: model.SourceRuleFinal},
	}
	store.files["/src/b/report.pdf"] = model.FileRecord{
		Path:  "/src/b/report.pdf",
		Class: model.Classification{Category: "Documents/Finance", Source: model.SourceRuleFinal},
	}

	p := New(store, nil, Config{RunID: "r1"})
	require.NoError(t, p.Run(context.Background(), []string{"/src"}))

	require.Len(t, store.entries, 2)
	require.Equal(t, "Documents/Finance/report.pdf", store.entries[0].Target)
	require.Equal(t, "Documents/Finance/report (2).pdf", store.entries[1].Target)
}

func TestEmptySourceRootProducesNoEntries(t *testing.T) {
	store := newFakeStore()
	p := New(store, nil, Config{RunID: "r1"})
	require.NoError(t, p.Run(context.Background(), []string{"/src"}))
	require.Empty(t, store.entries)
}

// TestPlanIsDeterministicAcrossRuns builds two independent stores from
// identical catalog state and asserts Run produces the same source, target
// and kind for every plan entry from each, the "re-running on an unchanged
// source tree produces the same plan" property.
func TestPlanIsDeterministicAcrossRuns(t *testing.T) {
	build := func() *fakeStore {
		store := newFakeStore()
		store.folders["/src"] = model.FolderRecord{Path: "/src", Depth: 0, Action: model.ActionDisaggregate, Source: model.SourceDefault}
		store.folders["/src/project"] = model.FolderRecord{
			Path: "/src/project", Depth: 1, Parent: "/src",
			Action: model.ActionKeep, Source: model.SourceRuleFinal, Category: "System/Metadata",
		}
		store.files["/src/invoice.pdf"] = model.FileRecord{
			Path: "/src/invoice.pdf", Class: model.Classification{Category: "Documents/Finance", Source: model.SourceRuleFinal},
		}
		store.files["/src/notes.txt"] = model.FileRecord{
			Path: "/src/notes.txt", Class: model.Classification{Category: "Documents/Misc", Source: model.SourceDefault},
		}
		return store
	}

	storeA, storeB := build(), build()
	pA := New(storeA, nil, Config{RunID: "r1"})
	pB := New(storeB, nil, Config{RunID: "r2"})

	require.NoError(t, pA.Run(context.Background(), []string{"/src"}))
	require.NoError(t, pB.Run(context.Background(), []string{"/src"}))

	require.Len(t, storeA.entries, len(storeB.entries))
	for i := range storeA.entries {
		a, b := storeA.entries[i], storeB.entries[i]
		require.Equal(t, a.Source, b.Source)
		require.Equal(t, a.Target, b.Target)
		require.Equal(t, a.Kind, b.Kind)
	}
}

func TestTargetOutsideCategoriesIsPlanConflict(t *testing.T) {
	store := newFakeStore()
	store.folders["/src"] = model.FolderRecord{Path: "/src", Depth: 0, Action: model.ActionDisaggregate, Source: model.SourceDefault}
	store.files["/src/invoice.pdf"] = model.FileRecord{
		Path:  "/src/invoice.pdf",
		Class: model.Classification{Category: "Nowhere/Weird", Source: model.SourceRuleFinal},
	}

	p := New(store, map[string]bool{"Documents": true, "Media": true}, Config{RunID: "r1"})
	err := p.Run(context.Background(), []string{"/src"})
	require.Error(t, err)
}
