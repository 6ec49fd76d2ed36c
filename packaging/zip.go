package packaging

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ZipPackage is a .nupkg archive loaded into memory. Entry order follows the
// archive's central directory; entries added later are appended.
type ZipPackage struct {
	*MemoryPackage
	path string
}

// OpenZipPackage reads a .nupkg file from a file path.
func OpenZipPackage(path string) (*ZipPackage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}
	pkg, err := ReadZipPackage(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	pkg.path = path
	return pkg, nil
}

// ReadZipPackage reads a package from a ReaderAt.
func ReadZipPackage(r io.ReaderAt, size int64) (*ZipPackage, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPackage, err)
	}

	pkg := &ZipPackage{MemoryPackage: NewMemoryPackage()}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if pkg.HasEntry(f.Name) {
			return nil, fmt.Errorf("%w: duplicate entry %s", ErrInvalidPackage, f.Name)
		}
		data, err := readZipFile(f)
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", f.Name, err)
		}
		if err := pkg.WriteEntry(f.Name, data); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPackage, err)
		}
	}
	return pkg, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// Path returns the file the package was opened from, if any.
func (p *ZipPackage) Path() string {
	return p.path
}

// Save writes the package as a zip archive. The signature entry is stored
// uncompressed, matching NuGet.
func (p *ZipPackage) Save(w io.Writer) error {
	zw := zip.NewWriter(w)
	for _, name := range p.Entries() {
		data, err := p.ReadEntry(name)
		if err != nil {
			return err
		}
		method := zip.Deflate
		if IsSignatureEntry(name) {
			method = zip.Store
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		if err != nil {
			return fmt.Errorf("create entry %s: %w", name, err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("write entry %s: %w", name, err)
		}
	}
	return zw.Close()
}

// SaveFile writes the package to path through a temporary file.
func (p *ZipPackage) SaveFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := p.Save(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace package: %w", err)
	}
	p.path = path
	return nil
}
