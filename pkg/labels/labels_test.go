package labels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadJSONDropsSentinel(t *testing.T) {
	c, err := Load("testdata/label_map.json")
	require.NoError(t, err)
	require.Equal(t, 24, c.Len())
	require.Equal(t, "2024-01-15", c.Version())
	require.Len(t, c.Excluded(), 1)
	require.Equal(t, "unknown", c.Excluded()[0].ID)
	require.Equal(t, -1, c.IndexOf("unknown"))

	// Order is file order, never re-sorted
	require.Equal(t, "rose_garden", c.At(0).ID)
	require.Equal(t, "deer_whitetail", c.At(23).ID)
	require.Equal(t, 9, c.IndexOf("bee_honey"))
	require.Equal(t, CategoryBug, c.At(9).Category)
}

func TestLoadYAML(t *testing.T) {
	c, err := Load("testdata/small.yaml")
	require.NoError(t, err)
	require.Equal(t, []string{"tulip", "ladybug", "dog"}, c.IDs())
}

func TestOrderingHash(t *testing.T) {
	a, err := New([]ClassLabel{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)
	b, err := New([]ClassLabel{{ID: "b"}, {ID: "a"}})
	require.NoError(t, err)
	withSentinel, err := New([]ClassLabel{{ID: "a"}, {ID: "x", Excluded: true}, {ID: "b"}})
	require.NoError(t, err)

	require.Len(t, a.SHA256(), 64)
	require.NotEqual(t, a.SHA256(), b.SHA256())
	require.Equal(t, a.SHA256(), withSentinel.SHA256())
	// sha256("a\nb\n")
	require.Equal(t, "911169ddaaf146aff539f58c26c489af3b892dff0fe283c1c264c65ae5aa59a2", a.SHA256())
	require.Equal(t, OrderingHash([]string{"a", "b"}), a.SHA256())
}

func TestMalformedCatalog(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrMalformedCatalog)

	_, err = New([]ClassLabel{{ID: "only", Excluded: true}})
	require.ErrorIs(t, err, ErrMalformedCatalog)

	_, err = New([]ClassLabel{{ID: "a"}, {ID: "a"}})
	require.ErrorIs(t, err, ErrMalformedCatalog)

	_, err = New([]ClassLabel{{ID: " "}})
	require.ErrorIs(t, err, ErrMalformedCatalog)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"classes": [`), 0644))
	_, err = Load(bad)
	require.ErrorIs(t, err, ErrMalformedCatalog)

	_, err = Load(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}
