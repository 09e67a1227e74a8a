package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestStorageFS(t *testing.T) {
	log := logs.NewTestingLog(t)
	root := t.TempDir()
	s, err := Open(log, &Config{Filesystem: &ConfigFS{Root: root}})
	require.NoError(t, err)

	require.NoError(t, WriteFile(s, "v001/model.json", bytes.NewReader([]byte(`{"a":1}`))))
	b, err := ReadFile(s, "v001/model.json")
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(b))

	f, err := s.ReadFile("v001/model.json")
	require.NoError(t, err)
	require.EqualValues(t, 7, f.Size)
	f.Reader.Close()

	// Nothing is visible until Close
	w, err := s.WriteFile("v001/partial.bin")
	require.NoError(t, err)
	w.Write([]byte("abc"))
	_, err = os.Stat(filepath.Join(root, "v001/partial.bin"))
	require.True(t, os.IsNotExist(err))
	require.NoError(t, w.Close())
	_, err = os.Stat(filepath.Join(root, "v001/partial.bin"))
	require.NoError(t, err)

	_, err = s.URL("v001/model.json")
	require.ErrorIs(t, err, ErrNoPublicUrl)

	require.NoError(t, s.DeleteFile("v001/model.json"))
	_, err = s.ReadFile("v001/model.json")
	require.Error(t, err)

	for _, bad := range []string{"", "../escape", "a/../../b"} {
		_, err = s.WriteFile(bad)
		require.Error(t, err)
	}
}

func TestPublish(t *testing.T) {
	log := logs.NewTestingLog(t)
	src := t.TempDir()
	a := filepath.Join(src, "model.smodel")
	b := filepath.Join(src, "model.json")
	require.NoError(t, os.WriteFile(a, []byte("weights"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("{}"), 0644))

	s, err := NewStorageFS(log, filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	pub, err := Publish(log, s, "models/v002", a, b)
	require.NoError(t, err)
	require.Equal(t, []Published{{Name: "models/v002/model.smodel"}, {Name: "models/v002/model.json"}}, pub)
	got, err := ReadFile(s, "models/v002/model.smodel")
	require.NoError(t, err)
	require.Equal(t, "weights", string(got))

	_, err = Publish(log, s, "models/v003", filepath.Join(src, "missing"))
	require.Error(t, err)
}

// flipStore corrupts every object on the way back out
type flipStore struct {
	*StorageFS
}

func (f *flipStore) ReadFile(name string) (*File, error) {
	raw, err := ReadFile(f.StorageFS, name)
	if err != nil {
		return nil, err
	}
	raw[0] ^= 0xff
	return &File{Reader: io.NopCloser(bytes.NewReader(raw)), Size: int64(len(raw))}, nil
}

func TestPublishRollsBack(t *testing.T) {
	log := logs.NewTestingLog(t)
	src := t.TempDir()
	a := filepath.Join(src, "model.smodel")
	require.NoError(t, os.WriteFile(a, []byte("weights"), 0644))
	root := filepath.Join(t.TempDir(), "store")
	s, err := NewStorageFS(log, root)
	require.NoError(t, err)

	// The second file is missing, so the first is removed again
	pub, err := Publish(log, s, "models/v004", a, filepath.Join(src, "missing.json"))
	require.Error(t, err)
	require.Nil(t, pub)
	_, err = os.Stat(filepath.Join(root, "models/v004/model.smodel"))
	require.True(t, os.IsNotExist(err))

	// A copy that does not read back identically is rejected and removed
	pub, err = Publish(log, &flipStore{s}, "models/v005", a)
	require.ErrorIs(t, err, ErrVerifyFailed)
	require.Nil(t, pub)
	_, err = os.Stat(filepath.Join(root, "models/v005/model.smodel"))
	require.True(t, os.IsNotExist(err))
}

func TestConfig(t *testing.T) {
	log := logs.NewTestingLog(t)
	_, err := Open(log, &Config{})
	require.True(t, errors.Is(err, ErrNotConfigured))
	require.Error(t, (&Config{Filesystem: &ConfigFS{Root: "a"}, GCS: &ConfigGCS{Bucket: "b"}}).Validate())
	require.Error(t, (&Config{GCS: &ConfigGCS{}}).Validate())
	require.Error(t, (&Config{Filesystem: &ConfigFS{}}).Validate())
	require.False(t, (&Config{}).IsConfigured())
}
