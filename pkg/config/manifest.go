package config

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/KevoDB/ctree/pkg/compression"
	"github.com/KevoDB/ctree/pkg/format"
)

const (
	// ManifestSuffix is appended to the data file path to name its manifest
	ManifestSuffix = ".manifest"
	// CurrentManifestVersion is the manifest format version
	CurrentManifestVersion = 1
)

var (
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
	ErrManifestMismatch = errors.New("configuration does not match manifest")
)

// Manifest records the settings a data file was created with. The data
// file itself carries no metadata, so this sidecar is the only way to
// detect an alphabet or address width mismatch at open time.
type Manifest struct {
	Version          int    `json:"version"`
	Alphabet         string `json:"alphabet"`
	Addressing       string `json:"addressing"`
	ValueCompression string `json:"value_compression"`
	CreatedAt        int64  `json:"created_at"`
	Checksum         uint64 `json:"checksum"`
}

// ManifestPath returns the manifest path for a data file
func ManifestPath(dataPath string) string {
	return dataPath + ManifestSuffix
}

// NewManifest derives a manifest from cfg, normalizing the alphabet and
// addressing strings
func NewManifest(cfg *Config) (*Manifest, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	alphabet, err := format.NewAlphabet(cfg.Alphabet)
	if err != nil {
		return nil, err
	}
	mode, err := format.ParseAddressingMode(cfg.Addressing)
	if err != nil {
		return nil, err
	}
	codec, err := compression.ParseCodec(cfg.ValueCompression)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Version:          CurrentManifestVersion,
		Alphabet:         alphabet.String(),
		Addressing:       mode.String(),
		ValueCompression: codec.String(),
		CreatedAt:        time.Now().Unix(),
	}
	m.Checksum = m.computeChecksum()
	return m, nil
}

func (m *Manifest) computeChecksum() uint64 {
	d := xxhash.New()
	var ver [8]byte
	binary.LittleEndian.PutUint64(ver[:], uint64(m.Version))
	d.Write(ver[:])
	d.WriteString(m.Alphabet)
	d.Write([]byte{0})
	d.WriteString(m.Addressing)
	d.Write([]byte{0})
	d.WriteString(m.ValueCompression)
	binary.LittleEndian.PutUint64(ver[:], uint64(m.CreatedAt))
	d.Write(ver[:])
	return d.Sum64()
}

// LoadManifest reads and verifies the manifest of a data file
func LoadManifest(dataPath string) (*Manifest, error) {
	data, err := os.ReadFile(ManifestPath(dataPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if m.Version <= 0 || m.Version > CurrentManifestVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidManifest, m.Version)
	}

	if sum := m.computeChecksum(); sum != m.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch: file has %x, calculated %x",
			ErrInvalidManifest, m.Checksum, sum)
	}

	return &m, nil
}

// Save writes the manifest next to the data file
func (m *Manifest) Save(dataPath string) error {
	m.Checksum = m.computeChecksum()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	return writeFileAtomic(ManifestPath(dataPath), data)
}

// Check compares the immutable settings of cfg against the manifest
func (m *Manifest) Check(cfg *Config) error {
	want, err := NewManifest(cfg)
	if err != nil {
		return err
	}

	if want.Alphabet != m.Alphabet {
		return fmt.Errorf("%w: alphabet %q, file was created with %q",
			ErrManifestMismatch, want.Alphabet, m.Alphabet)
	}

	if want.Addressing != m.Addressing {
		return fmt.Errorf("%w: addressing %s, file was created with %s",
			ErrManifestMismatch, want.Addressing, m.Addressing)
	}

	if want.ValueCompression != m.ValueCompression {
		return fmt.Errorf("%w: value compression %s, file was created with %s",
			ErrManifestMismatch, want.ValueCompression, m.ValueCompression)
	}

	return nil
}
