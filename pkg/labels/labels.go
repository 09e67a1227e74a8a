package labels

// Package labels holds the ordered catalog of classes that the species classifier can predict.
// The position of a class in the catalog is its class index everywhere else: in the dataset,
// in the model output vector, and in the exported artifact. Nothing downstream may re-sort it.

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Well known categories. Any other category string is legal.
const (
	CategoryFlower = "flower"
	CategoryBug    = "bug"
	CategoryAnimal = "animal"
)

var ErrMalformedCatalog = errors.New("Malformed label catalog")

// ClassLabel is a single entry in a label catalog file
type ClassLabel struct {
	ID          string `json:"id" yaml:"id"`
	CommonName  string `json:"commonName" yaml:"commonName"`
	Category    string `json:"category" yaml:"category"`
	Species     string `json:"species,omitempty" yaml:"species,omitempty"`         // Scientific name
	Description string `json:"description,omitempty" yaml:"description,omitempty"` // Free text, unused by training
	Excluded    bool   `json:"excluded,omitempty" yaml:"excluded,omitempty"`       // Sentinel entries (eg "unknown") that are never trained on
}

// CatalogFile is the on-disk representation of a label catalog
type CatalogFile struct {
	Version string       `json:"version,omitempty" yaml:"version,omitempty"`
	Classes []ClassLabel `json:"classes" yaml:"classes"`
}

// Catalog is the immutable, ordered list of trainable classes.
type Catalog struct {
	version  string
	classes  []ClassLabel
	excluded []ClassLabel
	index    map[string]int
}

// Create a catalog from entries, dropping every entry that is flagged as excluded.
func New(entries []ClassLabel) (*Catalog, error) {
	c := &Catalog{
		index: map[string]int{},
	}
	seen := map[string]bool{}
	for i, e := range entries {
		if strings.TrimSpace(e.ID) == "" {
			return nil, fmt.Errorf("%w: entry %v has no id", ErrMalformedCatalog, i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("%w: duplicate id '%v'", ErrMalformedCatalog, e.ID)
		}
		seen[e.ID] = true
		if e.Excluded {
			c.excluded = append(c.excluded, e)
			continue
		}
		c.index[e.ID] = len(c.classes)
		c.classes = append(c.classes, e)
	}
	if len(c.classes) == 0 {
		return nil, fmt.Errorf("%w: no trainable classes", ErrMalformedCatalog)
	}
	return c, nil
}

// Load a catalog from a .json, .yaml or .yml file
func Load(filename string) (*Catalog, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Failed to read label catalog %v: %w", filename, err)
	}
	var cf CatalogFile
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &cf)
	default:
		err = json.Unmarshal(raw, &cf)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrMalformedCatalog, filename, err)
	}
	c, err := New(cf.Classes)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", filename, err)
	}
	c.version = cf.Version
	return c, nil
}

// Number of trainable classes
func (c *Catalog) Len() int {
	return len(c.classes)
}

// Return the class at the given class index. Panics if i is out of range.
func (c *Catalog) At(i int) ClassLabel {
	return c.classes[i]
}

// Returns the class index of id, or -1
func (c *Catalog) IndexOf(id string) int {
	if i, ok := c.index[id]; ok {
		return i
	}
	return -1
}

// Return a copy of the trainable classes, in class index order
func (c *Catalog) Classes() []ClassLabel {
	return append([]ClassLabel(nil), c.classes...)
}

// Return the ids of the trainable classes, in class index order
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.classes))
	for i, cls := range c.classes {
		ids[i] = cls.ID
	}
	return ids
}

// Return the sentinel entries that were dropped from the catalog
func (c *Catalog) Excluded() []ClassLabel {
	return append([]ClassLabel(nil), c.excluded...)
}

func (c *Catalog) Version() string {
	return c.version
}

// SHA256 identifies the class ordering.
// It is the hex SHA-256 of every trainable id, in order, each followed by a newline.
func (c *Catalog) SHA256() string {
	return OrderingHash(c.IDs())
}

// OrderingHash computes the same digest as Catalog.SHA256 for a bare list of ids
func OrderingHash(ids []string) string {
	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
