package iox

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "sub", "weights.bin")

	require.NoError(t, WriteFileAtomic(target, func(w io.Writer) error {
		_, err := w.Write([]byte("first"))
		return err
	}))
	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "first", string(raw))

	// A failed write must leave the previous content alone, and no temp files behind
	failure := errors.New("boom")
	err = WriteFileAtomic(target, func(w io.Writer) error {
		w.Write([]byte("partial"))
		return failure
	})
	require.ErrorIs(t, err, failure)
	raw, err = os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "first", string(raw))

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, WriteStreamToFile(target, strings.NewReader("second")))
	raw, err = os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "second", string(raw))
}
