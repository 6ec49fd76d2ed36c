// Package config reads trusted signers and signature validation settings
// from NuGet.Config files and YAML policy files.
package config

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// NuGetConfig represents the parts of a NuGet.config file that govern
// package signature validation.
type NuGetConfig struct {
	XMLName        xml.Name        `xml:"configuration"`
	Config         *Section        `xml:"config,omitempty"`
	TrustedSigners *TrustedSigners `xml:"trustedSigners,omitempty"`
}

// Section contains configuration settings
type Section struct {
	Clear *Empty `xml:"clear"`
	Add   []Item `xml:"add"`
}

// Empty marks a <clear /> element.
type Empty struct{}

// Item represents a configuration key-value pair
type Item struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

// TrustedSigners holds trusted authors and repositories in document order.
type TrustedSigners struct {
	Clear        *Empty              `xml:"clear"`
	Authors      []TrustedAuthor     `xml:"author"`
	Repositories []TrustedRepository `xml:"repository"`
}

// TrustedAuthor is an <author> element.
type TrustedAuthor struct {
	Name         string        `xml:"name,attr"`
	Certificates []Certificate `xml:"certificate"`
}

// TrustedRepository is a <repository> element.
type TrustedRepository struct {
	Name         string        `xml:"name,attr"`
	ServiceIndex string        `xml:"serviceIndex,attr"`
	Certificates []Certificate `xml:"certificate"`
	Owners       string        `xml:"owners,omitempty"`
}

// Certificate is a pinned certificate fingerprint.
type Certificate struct {
	Fingerprint        string `xml:"fingerprint,attr"`
	HashAlgorithm      string `xml:"hashAlgorithm,attr"`
	AllowUntrustedRoot bool   `xml:"allowUntrustedRoot,attr"`
}

// OwnerList splits the semicolon separated <owners> value.
func (r TrustedRepository) OwnerList() []string {
	var owners []string
	for _, o := range strings.Split(r.Owners, ";") {
		if o = strings.TrimSpace(o); o != "" {
			owners = append(owners, o)
		}
	}
	return owners
}

// Configuration keys and environment variables read by the trust policy.
const (
	KeySignatureValidationMode = "signatureValidationMode"
	EnvRevocationMode          = "NUGET_CERT_REVOCATION_MODE"
)

// LoadNuGetConfig loads a NuGet.config file
func LoadNuGetConfig(path string) (*NuGetConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	cfg, err := ParseNuGetConfig(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseNuGetConfig parses NuGet.config XML from a reader
func ParseNuGetConfig(r io.Reader) (*NuGetConfig, error) {
	var config NuGetConfig
	if err := xml.NewDecoder(r).Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config XML: %w", err)
	}
	return &config, nil
}

// SaveNuGetConfig saves a NuGet.config file
func SaveNuGetConfig(path string, config *NuGetConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := WriteNuGetConfig(f, config); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteNuGetConfig writes NuGet.config XML to a writer
func WriteNuGetConfig(w io.Writer, config *NuGetConfig) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}

	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config XML: %w", err)
	}
	if err := encoder.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// GetConfigValue gets a configuration value by key
func (c *NuGetConfig) GetConfigValue(key string) string {
	if c.Config == nil {
		return ""
	}
	for _, item := range c.Config.Add {
		if strings.EqualFold(item.Key, key) {
			return item.Value
		}
	}
	return ""
}

// SetConfigValue sets a configuration value
func (c *NuGetConfig) SetConfigValue(key, value string) {
	if c.Config == nil {
		c.Config = &Section{}
	}
	for i := range c.Config.Add {
		if strings.EqualFold(c.Config.Add[i].Key, key) {
			c.Config.Add[i].Value = value
			return
		}
	}
	c.Config.Add = append(c.Config.Add, Item{Key: key, Value: value})
}

// DeleteConfigValue removes a configuration value and reports whether it existed
func (c *NuGetConfig) DeleteConfigValue(key string) bool {
	if c.Config == nil {
		return false
	}
	for i, item := range c.Config.Add {
		if strings.EqualFold(item.Key, key) {
			c.Config.Add = append(c.Config.Add[:i], c.Config.Add[i+1:]...)
			return true
		}
	}
	return false
}

// FindAuthor returns the trusted author named name, compared case-insensitively.
func (c *NuGetConfig) FindAuthor(name string) *TrustedAuthor {
	if c.TrustedSigners == nil {
		return nil
	}
	for i := range c.TrustedSigners.Authors {
		if strings.EqualFold(c.TrustedSigners.Authors[i].Name, name) {
			return &c.TrustedSigners.Authors[i]
		}
	}
	return nil
}

// FindRepository returns the trusted repository named name.
func (c *NuGetConfig) FindRepository(name string) *TrustedRepository {
	if c.TrustedSigners == nil {
		return nil
	}
	for i := range c.TrustedSigners.Repositories {
		if strings.EqualFold(c.TrustedSigners.Repositories[i].Name, name) {
			return &c.TrustedSigners.Repositories[i]
		}
	}
	return nil
}

// HasSigner reports whether an author or repository uses name.
func (c *NuGetConfig) HasSigner(name string) bool {
	return c.FindAuthor(name) != nil || c.FindRepository(name) != nil
}

// AddAuthorCertificate appends cert to the author named name, creating the
// author when needed. A fingerprint already present is replaced.
func (c *NuGetConfig) AddAuthorCertificate(name string, cert Certificate) {
	if c.TrustedSigners == nil {
		c.TrustedSigners = &TrustedSigners{}
	}
	if a := c.FindAuthor(name); a != nil {
		a.Certificates = upsertCertificate(a.Certificates, cert)
		return
	}
	c.TrustedSigners.Authors = append(c.TrustedSigners.Authors, TrustedAuthor{Name: name, Certificates: []Certificate{cert}})
}

// AddRepository adds or replaces a trusted repository.
func (c *NuGetConfig) AddRepository(repo TrustedRepository) {
	if c.TrustedSigners == nil {
		c.TrustedSigners = &TrustedSigners{}
	}
	if r := c.FindRepository(repo.Name); r != nil {
		r.ServiceIndex = repo.ServiceIndex
		for _, cert := range repo.Certificates {
			r.Certificates = upsertCertificate(r.Certificates, cert)
		}
		if repo.Owners != "" {
			r.Owners = repo.Owners
		}
		return
	}
	c.TrustedSigners.Repositories = append(c.TrustedSigners.Repositories, repo)
}

// RemoveSigner removes the author or repository named name.
func (c *NuGetConfig) RemoveSigner(name string) bool {
	if c.TrustedSigners == nil {
		return false
	}
	ts := c.TrustedSigners
	for i := range ts.Authors {
		if strings.EqualFold(ts.Authors[i].Name, name) {
			ts.Authors = append(ts.Authors[:i], ts.Authors[i+1:]...)
			return true
		}
	}
	for i := range ts.Repositories {
		if strings.EqualFold(ts.Repositories[i].Name, name) {
			ts.Repositories = append(ts.Repositories[:i], ts.Repositories[i+1:]...)
			return true
		}
	}
	return false
}

func upsertCertificate(certs []Certificate, cert Certificate) []Certificate {
	for i := range certs {
		if strings.EqualFold(certs[i].Fingerprint, cert.Fingerprint) {
			certs[i] = cert
			return certs
		}
	}
	return append(certs, cert)
}
