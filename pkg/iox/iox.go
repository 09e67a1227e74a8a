package iox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteStreamToFile copies src into dstFilename atomically.
func WriteStreamToFile(dstFilename string, src io.Reader) error {
	return WriteFileAtomic(dstFilename, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	})
}

// WriteFileAtomic calls write with a temporary file in the same directory as dstFilename,
// and then renames the temporary file over dstFilename.
// If write (or anything after it) fails, the temporary file is removed and dstFilename is left untouched.
// A reader of dstFilename will see either the old content or the complete new content, never a partial file.
func WriteFileAtomic(dstFilename string, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(dstFilename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("Failed to create directory %v: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dstFilename)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, dstFilename)
}
