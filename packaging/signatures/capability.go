package signatures

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"sync"
)

// Capabilities describes what the running process can do cryptographically.
type Capabilities struct {
	// CMSSigning is false when signatures cannot be produced at all.
	CMSSigning bool

	// Timestamping is false when timestamp tokens cannot be requested.
	Timestamping bool

	// HashAlgorithms lists the supported algorithms that are linked in.
	HashAlgorithms []HashAlgorithmName
}

var detectCapabilities = sync.OnceValue(probeCapabilities)

// DetectCapabilities probes the process once and returns the cached result.
func DetectCapabilities() Capabilities {
	caps := detectCapabilities()
	caps.HashAlgorithms = append([]HashAlgorithmName(nil), caps.HashAlgorithms...)
	return caps
}

func probeCapabilities() Capabilities {
	var caps Capabilities
	for _, alg := range SupportedHashAlgorithms {
		if h, err := alg.CryptoHash(); err == nil && h.Available() {
			caps.HashAlgorithms = append(caps.HashAlgorithms, alg)
		}
	}
	if len(caps.HashAlgorithms) != len(SupportedHashAlgorithms) {
		return caps
	}

	// sign and verify once with a throwaway key
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return caps
	}
	sum, err := digest(HashAlgorithmSHA256, []byte("nugettrust capability probe"))
	if err != nil {
		return caps
	}
	sig, err := key.Sign(rand.Reader, sum, crypto.SHA256)
	if err != nil || !ecdsa.VerifyASN1(&key.PublicKey, sum, sig) {
		return caps
	}

	caps.CMSSigning = true
	caps.Timestamping = true
	return caps
}
