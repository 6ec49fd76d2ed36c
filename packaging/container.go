// Package packaging provides the package container used by signing and
// verification: an ordered set of named entries backed by memory or a
// .nupkg zip archive.
package packaging

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
)

// SignaturePath is the path to the signature file in a signed package.
const SignaturePath = ".signature.p7s"

// Container is a package archive seen as an ordered list of entries.
// Entries returns names in a fixed order that is stable across reads of
// byte-identical packages.
type Container interface {
	Entries() []string
	HasEntry(name string) bool
	ReadEntry(name string) ([]byte, error)
	WriteEntry(name string, data []byte) error
}

// IsSignatureEntry reports whether name is the package signature entry.
// The comparison is exact: a case variant such as ".SIGNATURE.P7S" is an
// ordinary entry and is covered by the package content hash.
func IsSignatureEntry(name string) bool {
	return name == SignaturePath
}

// IsSigned reports whether c carries a signature entry.
func IsSigned(c Container) bool {
	return c.HasEntry(SignaturePath)
}

// validateEntryName rejects names that could escape the package root.
func validateEntryName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty entry name", ErrInvalidPath)
	}
	if strings.Contains(name, "\\") || strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	if slices.Contains(strings.Split(name, "/"), "..") || path.Clean(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return nil
}

// MemoryPackage is an in-memory Container. Entries keep insertion order;
// rewriting an entry keeps its position. Safe for concurrent use.
type MemoryPackage struct {
	mu      sync.RWMutex
	names   []string
	entries map[string][]byte
}

// NewMemoryPackage creates an empty package.
func NewMemoryPackage() *MemoryPackage {
	return &MemoryPackage{entries: make(map[string][]byte)}
}

// Entries implements Container.
func (p *MemoryPackage) Entries() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.names)
}

// HasEntry implements Container.
func (p *MemoryPackage) HasEntry(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[name]
	return ok
}

// ReadEntry implements Container. The returned slice is a copy.
func (p *MemoryPackage) ReadEntry(name string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return slices.Clone(data), nil
}

// WriteEntry implements Container.
func (p *MemoryPackage) WriteEntry(name string, data []byte) error {
	if err := validateEntryName(name); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[name]; !ok {
		p.names = append(p.names, name)
	}
	p.entries[name] = slices.Clone(data)
	return nil
}

// RemoveEntry deletes name if present.
func (p *MemoryPackage) RemoveEntry(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[name]; !ok {
		return
	}
	delete(p.entries, name)
	p.names = slices.DeleteFunc(p.names, func(n string) bool { return n == name })
}
