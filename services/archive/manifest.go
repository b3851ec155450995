package archive

import (
	"time"

	"gopkg.in/yaml.v3"
)

const (
	manifestVersion = "1"
	manifestPath    = "manifest.yaml"
)

// Manifest is the signed table of contents stored first in every archive.
type Manifest struct {
	Version          string          `yaml:"version"`
	CreatedAt        time.Time       `yaml:"created_at"`
	SnapshotAt       time.Time       `yaml:"snapshot_at"`
	Signer           string          `yaml:"signer,omitempty"`
	SigningPublicKey string          `yaml:"signing_public_key,omitempty"`
	Signature        string          `yaml:"signature,omitempty"`
	Tables           []ManifestTable `yaml:"tables"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// Table returns the entry for name, if present.
func (m Manifest) Table(name string) (ManifestTable, bool) {
	for _, t := range m.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return ManifestTable{}, false
}

// ManifestTable describes one JSON Lines table file.
type ManifestTable struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	Rows   int    `yaml:"rows"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}
