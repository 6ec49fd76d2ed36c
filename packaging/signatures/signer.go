package signatures

import (
	"context"
	"errors"
	"fmt"

	"github.com/willibrandon/nugettrust/packaging"
)

// SignPackage signs pkg with an author or repository primary signature and
// writes it to the signature entry. A signed package is rejected with
// ErrPackageAlreadySigned unless overwrite is set.
//
// req.Manifest is ignored; the manifest is built from pkg using
// req.HashAlgorithm (SHA-256 when empty).
func (p *SignatureProvider) SignPackage(ctx context.Context, pkg packaging.Container, req SignRequest, overwrite bool) (*Signature, error) {
	if pkg == nil {
		return nil, fmt.Errorf("%w: package is nil", ErrArgumentInvalid)
	}
	if packaging.IsSigned(pkg) && !overwrite {
		return nil, ErrPackageAlreadySigned
	}

	alg := req.HashAlgorithm
	if alg == "" {
		alg = HashAlgorithmSHA256
	}
	manifest, err := BuildManifest(pkg, alg)
	if err != nil {
		return nil, err
	}
	req.Manifest = manifest

	sig, err := p.CreateSignature(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := pkg.WriteEntry(packaging.SignaturePath, sig.RawData); err != nil {
		return nil, fmt.Errorf("write signature: %w", err)
	}
	return sig, nil
}

// RepositorySignPackage adds a repository signature to pkg. An unsigned
// package gets a repository primary signature; an author signed package
// gets a repository countersignature. Replacing an existing repository
// signature requires overwrite.
func (p *SignatureProvider) RepositorySignPackage(ctx context.Context, pkg packaging.Container, req SignRequest, overwrite bool) (*Signature, error) {
	if pkg == nil {
		return nil, fmt.Errorf("%w: package is nil", ErrArgumentInvalid)
	}
	req.Type = SignatureTypeRepository

	existing, err := ReadPackageSignature(pkg)
	switch {
	case errors.Is(err, packaging.ErrPackageNotSigned):
		return p.SignPackage(ctx, pkg, req, false)
	case err != nil:
		return nil, err
	case existing.Type == SignatureTypeRepository:
		if !overwrite {
			return nil, ErrPackageAlreadySigned
		}
		return p.SignPackage(ctx, pkg, req, true)
	case existing.Countersignature != nil || existing.CountersignatureError != nil:
		if !overwrite {
			return nil, ErrPackageAlreadySigned
		}
	}

	sig, err := p.Countersign(ctx, existing.RawData, req)
	if err != nil {
		return nil, err
	}
	if err := pkg.WriteEntry(packaging.SignaturePath, sig.RawData); err != nil {
		return nil, fmt.Errorf("write signature: %w", err)
	}
	return sig, nil
}

// ReadPackageSignature decodes the primary signature of pkg. It returns
// packaging.ErrPackageNotSigned when pkg has no signature entry.
func ReadPackageSignature(pkg packaging.Container) (*Signature, error) {
	if pkg == nil {
		return nil, fmt.Errorf("%w: package is nil", ErrArgumentInvalid)
	}
	if !packaging.IsSigned(pkg) {
		return nil, packaging.ErrPackageNotSigned
	}
	raw, err := pkg.ReadEntry(packaging.SignaturePath)
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}
	return ReadSignature(raw)
}
