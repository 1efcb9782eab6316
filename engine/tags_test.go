package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/quiver"
)

func TestTagsRoundTrip(t *testing.T) {
	tags := NewTags(t.TempDir(), nil)

	all, err := tags.List()
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, tags.Create("v1", TagContents{Version: 1, ManifestSize: 128}))
	require.NoError(t, tags.Create("stable", TagContents{Version: 3}))

	all, err = tags.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, TagContents{Version: 1, ManifestSize: 128}, all["v1"])
	assert.Equal(t, TagContents{Version: 3}, all["stable"])

	names, err := tags.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"stable", "v1"}, names)

	require.NoError(t, tags.Delete("v1"))
	_, err = tags.Get("v1")
	var notFound *quiver.ErrNotFound
	assert.True(t, errors.As(err, &notFound), "got %v", err)
}

func TestTagsCreateDuplicate(t *testing.T) {
	tags := NewTags(t.TempDir(), nil)
	require.NoError(t, tags.Create("v1", TagContents{Version: 1}))

	err := tags.Create("v1", TagContents{Version: 2})
	var existsErr *quiver.ErrAlreadyExists
	assert.True(t, errors.As(err, &existsErr), "got %v", err)
}

func TestTagsDeleteMissing(t *testing.T) {
	tags := NewTags(t.TempDir(), nil)
	err := tags.Delete("nope")
	var notFound *quiver.ErrNotFound
	assert.True(t, errors.As(err, &notFound), "got %v", err)
}

func TestTagsVersionChecks(t *testing.T) {
	tags := NewTags(t.TempDir(), nil)
	err := tags.Create("v0", TagContents{Version: 0})
	var invalidErr *quiver.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalidErr), "got %v", err)
}

func TestDatasetBoundTagsRejectFutureVersions(t *testing.T) {
	ds := newTestDataset(t, 2)
	appendRows(t, ds, 0, [][]float32{{1, 2}})
	appendRows(t, ds, 1, [][]float32{{3, 4}})

	tags := ds.Tags(t.TempDir())
	require.NoError(t, tags.Create("current", TagContents{Version: 2}))

	err := tags.Create("future", TagContents{Version: 3})
	var invalidErr *quiver.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalidErr), "got %v", err)
}

func TestTagsFileFormat(t *testing.T) {
	root := t.TempDir()
	tags := NewTags(root, nil)
	require.NoError(t, tags.Create("v2", TagContents{Version: 2, ManifestSize: 42}))

	data, err := os.ReadFile(filepath.Join(root, "_refs", "tags", "v2.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":2,"manifestSize":42}`, string(data))
}

func TestCheckTagName(t *testing.T) {
	valid := []string{
		"v1", "v1.2.3", "stable", "release-2024", "a", "nightly_build",
		"UPPER", "with-dash", "v1{x}",
	}
	for _, name := range valid {
		assert.NoError(t, checkTagName(name), name)
	}

	invalid := []string{
		"",
		"@",
		".hidden",
		"trailing.",
		"double..dot",
		"ends.lock",
		"has space",
		"has~tilde",
		"has^caret",
		"has:colon",
		"has?question",
		"has*star",
		"has[bracket",
		"back\\slash",
		"slash/inside",
		"tab\there",
		"ref@{log}",
		"ctrl\x01char",
	}
	for _, name := range invalid {
		assert.Error(t, checkTagName(name), "%q should be rejected", name)
	}
}

func FuzzCheckTagName(f *testing.F) {
	for _, seed := range []string{"v1", "", "@", "a..b", "x.lock", "ref@{now}", "a/b"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, name string) {
		err := checkTagName(name)
		if err != nil {
			return
		}
		// Accepted names must be usable as a single file name component.
		if name == "" || name == "." || name == ".." {
			t.Fatalf("accepted unusable name %q", name)
		}
		if filepath.Base(name) != name {
			t.Fatalf("accepted multi-component name %q", name)
		}
	})
}
