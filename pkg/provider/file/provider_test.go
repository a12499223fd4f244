package file

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ckptrun/pkg/provider"
)

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{BaseDir: "   "}.Validate())
	assert.NoError(t, Config{BaseDir: "./ckpts"}.Validate())
}

func TestProvider_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "ckpts")
	p, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	body := "step=1\ntotal_steps=20\n"
	require.NoError(t, p.PutObject(ctx, "step_1.txt", strings.NewReader(body), int64(len(body))))

	// Directory is created on first write.
	st, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	rc, size, err := p.GetObject(ctx, "step_1.txt")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
	assert.Equal(t, int64(len(body)), size)
}

func TestProvider_PutNeverReplaces(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	first := "step=4\nrun_id=a\n"
	require.NoError(t, p.PutObject(ctx, "step_4.txt", strings.NewReader(first), int64(len(first))))

	err = p.PutObject(ctx, "step_4.txt", strings.NewReader("step=4\nrun_id=b\n"), 16)
	require.Error(t, err)
	assert.True(t, provider.IsAlreadyExists(err))

	got, err := os.ReadFile(filepath.Join(dir, "step_4.txt"))
	require.NoError(t, err)
	assert.Equal(t, first, string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind after a refused write")
}

func TestProvider_PutLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	for _, k := range []string{"step_1.txt", "step_2.txt"} {
		require.NoError(t, p.PutObject(ctx, k, strings.NewReader("x"), 1))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), TempPrefix), "temp file left behind: %s", e.Name())
	}
	assert.Len(t, entries, 2)
}

func TestProvider_ListPagination(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	for _, k := range []string{"a.txt", "b.txt", "c.txt", "nested/d.txt"} {
		require.NoError(t, p.PutObject(ctx, k, strings.NewReader(k), int64(len(k))))
	}

	first, err := p.List(ctx, provider.ListOptions{MaxKeys: 2})
	require.NoError(t, err)
	require.Len(t, first.Objects, 2)
	assert.True(t, first.IsTruncated)
	assert.Equal(t, "a.txt", first.Objects[0].Key)

	second, err := p.List(ctx, provider.ListOptions{MaxKeys: 2, ContinuationToken: first.ContinuationToken})
	require.NoError(t, err)
	require.Len(t, second.Objects, 2)
	assert.False(t, second.IsTruncated)
	assert.Equal(t, "nested/d.txt", second.Objects[1].Key)
}

func TestProvider_ListPrefix(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	require.NoError(t, p.PutObject(ctx, "run-a/step_1.txt", strings.NewReader("x"), 1))
	require.NoError(t, p.PutObject(ctx, "run-b/step_2.txt", strings.NewReader("x"), 1))

	res, err := p.List(ctx, provider.ListOptions{Prefix: "run-a/"})
	require.NoError(t, err)
	require.Len(t, res.Objects, 1)
	assert.Equal(t, "run-a/step_1.txt", res.Objects[0].Key)
}

func TestProvider_ListMissingDirIsEmpty(t *testing.T) {
	p, err := New(Config{BaseDir: filepath.Join(t.TempDir(), "does-not-exist")})
	require.NoError(t, err)

	res, err := p.List(context.Background(), provider.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Objects)
}

func TestProvider_NotFound(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, _, err = p.GetObject(context.Background(), "missing.txt")
	assert.True(t, provider.IsNotFound(err))

	// Deleting a missing object is not an error.
	assert.NoError(t, p.DeleteObject(context.Background(), "missing.txt"))
}

func TestProvider_RejectsTraversal(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	err = p.PutObject(context.Background(), "../escape.txt", strings.NewReader("x"), 1)
	// Clean("/../escape.txt") collapses to "/escape.txt", so the write stays inside BaseDir.
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(p.BaseDir(), "escape.txt"))
	assert.NoError(t, statErr)
}

func TestProvider_PutToReadOnlyDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	p, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	err = p.PutObject(context.Background(), "step_1.txt", strings.NewReader("x"), 1)
	require.Error(t, err)
	assert.True(t, provider.IsAccessDenied(err))
}
