package v3

import "time"

// ServiceIndex represents the NuGet v3 service index.
// See: https://learn.microsoft.com/en-us/nuget/api/service-index
type ServiceIndex struct {
	Version   string     `json:"version"`
	Resources []Resource `json:"resources"`
}

// Resource represents a service resource in the service index.
type Resource struct {
	ID      string `json:"@id"`
	Type    string `json:"@type"`
	Comment string `json:"comment,omitempty"`
}

// ResourceTypeRepositorySignatures lists the certificates a repository
// signs packages with. Versions 4.7.0, 4.9.0 and 5.0.0 share one schema.
const ResourceTypeRepositorySignatures = "RepositorySignatures"

// ServiceIndexCacheTTL is the default service index cache TTL (40 minutes per the NuGet protocol docs).
const ServiceIndexCacheTTL = 40 * time.Minute

// RepositorySignatures is the RepositorySignatures resource document.
// See: https://learn.microsoft.com/en-us/nuget/api/repository-signatures-resource
type RepositorySignatures struct {
	AllRepositorySigned bool                 `json:"allRepositorySigned"`
	SigningCertificates []SigningCertificate `json:"signingCertificates"`
}

// SigningCertificate describes one repository signing certificate.
// Fingerprints is keyed by hash algorithm OID.
type SigningCertificate struct {
	Fingerprints map[string]string `json:"fingerprints"`
	Subject      string            `json:"subject"`
	Issuer       string            `json:"issuer"`
	NotBefore    time.Time         `json:"notBefore"`
	NotAfter     time.Time         `json:"notAfter"`
	ContentURL   string            `json:"contentUrl"`
}
