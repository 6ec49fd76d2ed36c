package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	// HashLength is the number of bytes used from the SHA256 hash of a
	// namespace when naming its folder.
	HashLength = 20

	// CacheFileExtension for final cache files.
	CacheFileExtension = ".dat"
)

// DiskCache persists entries as one file per key. The file modification
// time holds the entry expiry, so no sidecar metadata is needed.
type DiskCache struct {
	rootDir string
	now     func() time.Time
}

// NewDiskCache creates a disk cache rooted at rootDir.
func NewDiskCache(rootDir string) (*DiskCache, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	return &DiskCache{
		rootDir: rootDir,
		now:     time.Now,
	}, nil
}

// WithClock replaces the clock used for expiry checks and returns dc.
func (dc *DiskCache) WithClock(now func() time.Time) *DiskCache {
	dc.now = now
	return dc
}

// Root returns the cache root directory.
func (dc *DiskCache) Root() string {
	return dc.rootDir
}

// ComputeHash computes a folder name for value: the hex of the truncated
// SHA256 hash, optionally followed by the trailing characters of value so
// folders stay recognizable.
func ComputeHash(value string, addIdentifiableCharacters bool) string {
	trailing := value
	if len(value) > 32 {
		trailing = value[len(value)-32:]
	}

	hash := sha256.Sum256([]byte(value))
	hexHash := hex.EncodeToString(hash[:HashLength])

	if addIdentifiableCharacters {
		return hexHash + "$" + trailing
	}
	return hexHash
}

// RemoveInvalidFileNameChars replaces invalid filename characters with underscores.
func RemoveInvalidFileNameChars(value string) string {
	invalid := invalidFileNameChars()

	var sb strings.Builder
	sb.Grow(len(value))
	for _, ch := range value {
		if slices.Contains(invalid, ch) {
			sb.WriteRune('_')
		} else {
			sb.WriteRune(ch)
		}
	}

	result := sb.String()
	for strings.Contains(result, "__") {
		result = strings.ReplaceAll(result, "__", "_")
	}
	return result
}

// invalidFileNameChars returns OS-specific invalid filename characters.
func invalidFileNameChars() []rune {
	if filepath.Separator == '/' {
		return []rune{'/', '\x00'}
	}
	return []rune{'<', '>', ':', '"', '/', '\\', '|', '?', '*', '\x00'}
}

// CachePath computes the cache file path for a namespace and key. The
// namespace is usually the responder or distribution point URL.
func (dc *DiskCache) CachePath(namespace, key string) string {
	folder := RemoveInvalidFileNameChars(ComputeHash(namespace, true))
	file := RemoveInvalidFileNameChars(key) + CacheFileExtension
	return filepath.Join(dc.rootDir, folder, file)
}

// Get returns the cached bytes if the entry exists and has not expired.
// Expired files are removed.
func (dc *DiskCache) Get(namespace, key string) ([]byte, bool, error) {
	cacheFile := dc.CachePath(namespace, key)

	info, err := os.Stat(cacheFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("stat cache file: %w", err)
	}

	if !dc.now().Before(info.ModTime()) {
		_ = os.Remove(cacheFile)
		return nil, false, nil
	}

	data, err := os.ReadFile(cacheFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read cache file: %w", err)
	}
	return data, true, nil
}

// Expiry returns the expiry stamped on an entry.
func (dc *DiskCache) Expiry(namespace, key string) (time.Time, error) {
	info, err := os.Stat(dc.CachePath(namespace, key))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Set writes data using a two-phase update: the bytes go to a unique
// temporary file, which is then renamed over the cache file. The expiry is
// stamped as the file modification time before the rename so readers never
// observe a fresh file with a stale expiry.
func (dc *DiskCache) Set(namespace, key string, data []byte, expiry time.Time) error {
	cacheFile := dc.CachePath(namespace, key)
	if err := os.MkdirAll(filepath.Dir(cacheFile), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(cacheFile), filepath.Base(cacheFile)+"-new.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempName := tempFile.Name()
	cleanup := func() { _ = os.Remove(tempName) }

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chtimes(tempName, dc.now(), expiry); err != nil {
		cleanup()
		return fmt.Errorf("stamp expiry: %w", err)
	}

	if err := os.Rename(tempName, cacheFile); err != nil {
		// Windows refuses to rename over an existing file.
		_ = os.Remove(cacheFile)
		if err := os.Rename(tempName, cacheFile); err != nil {
			cleanup()
			return fmt.Errorf("move cache file: %w", err)
		}
	}
	return nil
}

// Delete removes a cache entry.
func (dc *DiskCache) Delete(namespace, key string) error {
	err := os.Remove(dc.CachePath(namespace, key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Clear removes all cache entries.
func (dc *DiskCache) Clear() error {
	return os.RemoveAll(dc.rootDir)
}
