package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sortkeep/curator/internal/model"
)

type fakeStore struct {
	mu      sync.Mutex
	folders map[string]model.FolderRecord
	files   map[string]model.FileRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		folders: make(map[string]model.FolderRecord),
		files:   make(map[string]model.FileRecord),
	}
}

func (f *fakeStore) GetFolder(path string) (model.FolderRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.folders[path]
	return rec, ok, nil
}

func (f *fakeStore) PutFolder(_ context.Context, rec model.FolderRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders[rec.Path] = rec
	return nil
}

func (f *fakeStore) PutFile(_ context.Context, rec model.FileRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[rec.Path] = rec
	return nil
}

func buildTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "one.txt"), []byte("y"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b", "two.txt"), []byte("z"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "config"), []byte("g"), 0o644))
	return root
}

func TestRunRecordsFoldersAndFiles(t *testing.T) {
	root := buildTree(t)
	store := newFakeStore()
	sc := New(store, nil, Config{RunID: "r1", Roots: []string{root}, Workers: 2})

	require.NoError(t, sc.Run(context.Background()))

	require.Contains(t, store.folders, root)
	require.Contains(t, store.folders, filepath.Join(root, "a"))
	require.Contains(t, store.folders, filepath.Join(root, "a", "b"))
	require.Equal(t, 1, store.folders[filepath.Join(root, "a")].Depth)
	require.Equal(t, 2, store.folders[filepath.Join(root, "a", "b")].Depth)

	require.Contains(t, store.files, filepath.Join(root, "top.txt"))
	require.Contains(t, store.files, filepath.Join(root, "a", "one.txt"))
}

func TestRunSkipsDotGit(t *testing.T) {
	root := buildTree(t)
	store := newFakeStore()
	sc := New(store, nil, Config{RunID: "r1", Roots: []string{root}, Workers: 2})

	require.NoError(t, sc.Run(context.Background()))

	require.NotContains(t, store.folders, filepath.Join(root, ".git"))
	require.NotContains(t, store.files, filepath.Join(root, ".git", "config"))
}

func TestRunSkipsCommittedKeepSubtree(t *testing.T) {
	root := buildTree(t)
	store := newFakeStore()
	store.folders[filepath.Join(root, "a")] = model.FolderRecord{
		Path: filepath.Join(root, "a"), Action: model.ActionKeep,
	}
	sc := New(store, nil, Config{RunID: "r1", Roots: []string{root}, Workers: 2})

	require.NoError(t, sc.Run(context.Background()))

	require.NotContains(t, store.folders, filepath.Join(root, "a", "b"))
	require.NotContains(t, store.files, filepath.Join(root, "a", "one.txt"))
}

func TestRunHonorsIgnoreFile(t *testing.T) {
	root := buildTree(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".curatorignore"), []byte("a\n"), 0o644))
	store := newFakeStore()
	sc := New(store, nil, Config{RunID: "r1", Roots: []string{root}, Workers: 2, IgnoreFiles: []string{".curatorignore"}})

	require.NoError(t, sc.Run(context.Background()))

	require.NotContains(t, store.folders, filepath.Join(root, "a"))
}
