package archive

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest describes the entries file of a bundle and carries its signature.
type Manifest struct {
	Version          string     `yaml:"version"`
	CreatedAt        time.Time  `yaml:"created_at"`
	Cutoff           time.Time  `yaml:"cutoff"`
	Count            int        `yaml:"count"`
	FirstEntryAt     *time.Time `yaml:"first_entry_at,omitempty"`
	LastEntryAt      *time.Time `yaml:"last_entry_at,omitempty"`
	EntriesSize      int64      `yaml:"entries_size"`
	EntriesSHA256    string     `yaml:"entries_sha256"`
	Signer           string     `yaml:"signer,omitempty"`
	SigningPublicKey string     `yaml:"signing_public_key,omitempty"`
	Signature        string     `yaml:"signature,omitempty"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}
