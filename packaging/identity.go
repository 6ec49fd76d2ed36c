package packaging

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/willibrandon/nugettrust/version"
)

// PackageIdentity represents a package ID and version.
type PackageIdentity struct {
	ID      string
	Version *version.NuGetVersion
}

// NewPackageIdentity parses version and builds an identity.
func NewPackageIdentity(id, ver string) (PackageIdentity, error) {
	if err := ValidatePackageID(id); err != nil {
		return PackageIdentity{}, err
	}
	v, err := version.Parse(ver)
	if err != nil {
		return PackageIdentity{}, fmt.Errorf("%w: %w", ErrInvalidNuspec, err)
	}
	return PackageIdentity{ID: id, Version: v}, nil
}

// String returns "ID Version" format.
func (p PackageIdentity) String() string {
	if p.Version == nil {
		return p.ID
	}
	return fmt.Sprintf("%s %s", p.ID, p.Version.String())
}

// nuspecMetadata holds the identity fields of a .nuspec manifest.
type nuspecMetadata struct {
	XMLName  xml.Name `xml:"package"`
	Metadata struct {
		ID      string `xml:"id"`
		Version string `xml:"version"`
		Authors string `xml:"authors"`
		Owners  string `xml:"owners"`
	} `xml:"metadata"`
}

// NuspecPath finds the root level .nuspec entry.
func NuspecPath(c Container) (string, error) {
	var candidates []string
	for _, name := range c.Entries() {
		// Nuspec must be at root (no directory separator)
		if !strings.Contains(name, "/") && strings.HasSuffix(strings.ToLower(name), ".nuspec") {
			candidates = append(candidates, name)
		}
	}
	switch len(candidates) {
	case 0:
		return "", ErrNuspecNotFound
	case 1:
		return candidates[0], nil
	default:
		return "", ErrMultipleNuspecs
	}
}

// ReadIdentity reads the package id and version from the .nuspec entry.
func ReadIdentity(c Container) (PackageIdentity, error) {
	name, err := NuspecPath(c)
	if err != nil {
		return PackageIdentity{}, err
	}
	data, err := c.ReadEntry(name)
	if err != nil {
		return PackageIdentity{}, err
	}

	var nuspec nuspecMetadata
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&nuspec); err != nil {
		return PackageIdentity{}, fmt.Errorf("%w: %w", ErrInvalidNuspec, err)
	}
	return NewPackageIdentity(strings.TrimSpace(nuspec.Metadata.ID), strings.TrimSpace(nuspec.Metadata.Version))
}

// MinimalNuspec renders a nuspec with the metadata needed for ReadIdentity.
func MinimalNuspec(id, ver, authors string) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<package xmlns="http://schemas.microsoft.com/packaging/2013/05/nuspec.xsd">` + "\n")
	buf.WriteString("  <metadata>\n")
	writeElement(&buf, "id", id)
	writeElement(&buf, "version", ver)
	writeElement(&buf, "authors", authors)
	writeElement(&buf, "description", id)
	buf.WriteString("  </metadata>\n</package>\n")
	return buf.Bytes()
}

func writeElement(buf *bytes.Buffer, name, value string) {
	buf.WriteString("    <" + name + ">")
	_ = xml.EscapeText(buf, []byte(value))
	buf.WriteString("</" + name + ">\n")
}
