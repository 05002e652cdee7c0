package cache

import (
	"fmt"
	"strings"
	"time"
)

// versionSeparator joins a partition's purpose and the build version token,
// e.g. pages@v42.
const versionSeparator = "@"

// PartitionName returns the physical name of a partition for a build version.
func PartitionName(purpose, version string) string {
	if version == "" {
		return purpose
	}
	return purpose + versionSeparator + version
}

// ParsePartitionName splits a physical partition name into purpose and version.
// The boolean is false if the name carries no version token.
func ParsePartitionName(name string) (purpose, version string, ok bool) {
	i := strings.LastIndex(name, versionSeparator)
	if i <= 0 || i == len(name)-1 {
		return name, "", false
	}
	return name[:i], name[i+1:], true
}

// PartitionConfig bounds one partition.
type PartitionConfig struct {
	// Name is the physical partition name (including the version token).
	Name string
	// MaxEntries bounds the entry count. Nil means unbounded;
	// zero means the partition admits nothing.
	MaxEntries *int
	// MaxAge bounds the age of entries. Zero means no age bound.
	MaxAge time.Duration
}

// Bounded reports whether writes to the partition need an eviction pass.
func (c PartitionConfig) Bounded() bool {
	return c.MaxEntries != nil || c.MaxAge > 0
}

// Validate checks the bounds.
func (c PartitionConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("cache: partition name is empty")
	}
	if strings.ContainsRune(c.Name, 0) {
		return fmt.Errorf("cache: partition name %q contains NUL", c.Name)
	}
	if c.MaxEntries != nil && *c.MaxEntries < 0 {
		return fmt.Errorf("cache: partition %s: maxEntries is negative", c.Name)
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("cache: partition %s: maxAge is negative", c.Name)
	}
	return nil
}

// Entries is a helper for building a MaxEntries bound.
func Entries(n int) *int {
	return &n
}
