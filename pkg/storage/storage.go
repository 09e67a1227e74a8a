package storage

// Package storage publishes trained artifacts to a blob store.

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cyclopcam/logs"
)

var ErrNoPublicUrl = errors.New("No public URL")
var ErrNotConfigured = errors.New("No storage backend configured")
var ErrVerifyFailed = errors.New("Published object does not match the local file")

// Storage is an abstraction of a blob store (eg GCS)
type Storage interface {
	// When finished, you must close the WriteCloser.
	// The file only becomes visible to readers once Close returns without error.
	WriteFile(name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(name string) (*File, error)

	DeleteFile(name string) error

	// Returns ErrNoPublicUrl if the store is not publicly readable
	URL(name string) (string, error)
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')
type Config struct {
	Filesystem *ConfigFS  `json:"filesystem,omitempty"`
	GCS        *ConfigGCS `json:"gcs,omitempty"`
}

type ConfigFS struct {
	Root string `json:"root"` // Path to the root of the filesystem
}

type ConfigGCS struct {
	Bucket          string `json:"bucket"`                    // Name of the GCS bucket
	Public          bool   `json:"public"`                    // Whether the bucket is public, so that clients can download artifacts directly
	CredentialsFile string `json:"credentialsFile,omitempty"` // Service account key. If empty, use application default credentials.
}

func (c *Config) IsConfigured() bool {
	return c.Filesystem != nil || c.GCS != nil
}

func (c *Config) Validate() error {
	if c.Filesystem != nil && c.GCS != nil {
		return errors.New("Only one of 'filesystem' or 'gcs' storage may be configured")
	}
	if c.Filesystem != nil && c.Filesystem.Root == "" {
		return errors.New("Filesystem storage needs a root")
	}
	if c.GCS != nil && c.GCS.Bucket == "" {
		return errors.New("GCS storage needs a bucket")
	}
	return nil
}

// Open creates the storage backend described by cfg
func Open(log logs.Log, cfg *Config) (Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case cfg.Filesystem != nil:
		return NewStorageFS(log, cfg.Filesystem.Root)
	case cfg.GCS != nil:
		return NewStorageGCS(log, cfg.GCS.Bucket, cfg.GCS.Public, cfg.GCS.CredentialsFile)
	}
	return nil, ErrNotConfigured
}

func WriteFile(s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func ReadFile(s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}

// A file that has been published
type Published struct {
	Name string // Name inside the store
	URL  string // Empty if the store is not public
}

// Publish uploads the local files into the store, under the prefix directory.
// The object name of each file is prefix/basename.
// Every upload is read back and compared with the local file. If any file fails, the files that
// were already published by this call are deleted again, so a store never holds a partial set.
func Publish(log logs.Log, s Storage, prefix string, localFiles ...string) (result []Published, err error) {
	defer func() {
		if err == nil {
			return
		}
		for _, p := range result {
			if errDel := s.DeleteFile(p.Name); errDel != nil {
				log.Warnf("Failed to remove partially published %v: %v", p.Name, errDel)
			}
		}
		result = nil
	}()

	result = []Published{}
	for _, local := range localFiles {
		name := path.Join(prefix, filepath.Base(local))
		uploaded, errPub := publishOne(s, name, local)
		if uploaded {
			result = append(result, Published{Name: name})
		}
		if errPub != nil {
			err = fmt.Errorf("Failed to publish %v: %w", local, errPub)
			return result, err
		}
		url, errURL := s.URL(name)
		if errURL == nil {
			result[len(result)-1].URL = url
		} else if !errors.Is(errURL, ErrNoPublicUrl) {
			err = errURL
			return result, err
		}
		log.Infof("Published %v as %v", local, name)
	}
	return result, nil
}

// Upload one file and verify it. uploaded is true if an object may have been created.
func publishOne(s Storage, name, local string) (uploaded bool, err error) {
	f, err := os.Open(local)
	if err != nil {
		return false, err
	}
	defer f.Close()
	h := sha256.New()
	if err := WriteFile(s, name, io.TeeReader(f, h)); err != nil {
		return false, err
	}
	return true, verify(s, name, h.Sum(nil))
}

// Read an object back from the store, and check that it has the expected SHA-256
func verify(s Storage, name string, expected []byte) error {
	raw, err := ReadFile(s, name)
	if err != nil {
		return err
	}
	if actual := sha256.Sum256(raw); !bytes.Equal(actual[:], expected) {
		return fmt.Errorf("%w: %v", ErrVerifyFailed, name)
	}
	return nil
}
