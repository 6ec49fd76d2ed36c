package v3

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/nugettrust/packaging/signatures"
)

func TestGetRepositorySignatures(t *testing.T) {
	f := newFeed(t)

	doc, err := f.client().GetRepositorySignatures(context.Background(), f.indexURL())
	require.NoError(t, err)
	assert.True(t, doc.AllRepositorySigned)
	require.Len(t, doc.SigningCertificates, 1)

	fps, err := doc.SigningCertificates[0].Fingerprints()
	require.NoError(t, err)
	require.Len(t, fps, 1, "unknown OIDs are skipped")
	assert.Equal(t, signatures.HashAlgorithmSHA256, fps[0].Algorithm)
	assert.Equal(t, strings.ToUpper(sha256Hex), fps[0].Value)
}

func TestGetRepositorySignatures_Rejects(t *testing.T) {
	f := newFeed(t)
	ctx := context.Background()

	_, err := f.client().GetRepositorySignatures(ctx, "http://feed.test/v3/index.json")
	assert.ErrorIs(t, err, ErrInsecureResource)

	f.noSigs.Store(true)
	_, err = f.client().GetRepositorySignatures(ctx, f.indexURL())
	assert.True(t, errors.Is(err, ErrResourceNotFound), "error = %v", err)
}

func TestSigningCertificate_Fingerprints(t *testing.T) {
	sc := SigningCertificate{Subject: "CN=Repo", Fingerprints: map[string]string{
		"2.16.840.1.101.3.4.2.1": sha256Hex,
		"2.16.840.1.101.3.4.2.3": strings.Repeat("ab", 64),
	}}
	fps, err := sc.Fingerprints()
	require.NoError(t, err)
	require.Len(t, fps, 2)
	assert.Equal(t, signatures.HashAlgorithmSHA512, fps[0].Algorithm, "strongest first")

	_, err = SigningCertificate{Subject: "CN=Empty"}.Fingerprints()
	assert.Error(t, err)

	_, err = SigningCertificate{Fingerprints: map[string]string{"2.16.840.1.101.3.4.2.1": "abcd"}}.Fingerprints()
	assert.Error(t, err, "wrong length for SHA256")
}
