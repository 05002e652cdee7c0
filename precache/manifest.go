package precache

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry is one precached asset.
type Entry struct {
	URL string `yaml:"url" json:"url"`
	// Revision is a content hash or version string. An empty revision means
	// the URL itself is versioned.
	Revision string `yaml:"revision" json:"revision"`
}

// Manifest lists the assets to precache at install time.
type Manifest []Entry

// ParseManifest reads a manifest in YAML or JSON.
func ParseManifest(b []byte) (Manifest, error) {
	var m Manifest
	// JSON is valid YAML
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("precache: parse manifest: %w", err)
	}
	return m, m.Validate()
}

// LoadManifest reads a manifest file.
func LoadManifest(filename string) (Manifest, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseManifest(b)
}

func (m Manifest) Validate() error {
	for i, e := range m {
		if e.URL == "" {
			return fmt.Errorf("precache: manifest[%d].url is empty", i)
		}
	}
	return nil
}

// Has reports whether the manifest lists rawURL.
func (m Manifest) Has(rawURL string) bool {
	for _, e := range m {
		if e.URL == rawURL {
			return true
		}
	}
	return false
}
