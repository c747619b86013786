// Package digest computes and verifies the algorithm-tagged content hashes
// that address every blob and manifest in the registry.
package digest

import (
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	godigest "github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"
)

// Digest is the canonical "algorithm:hex" content address.
type Digest = godigest.Digest

// Algorithm names a supported hash function
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
	BLAKE3 Algorithm = "blake3"

	// Canonical is used when no algorithm is configured
	Canonical = SHA256
)

var (
	ErrInvalidDigest        = errors.New("invalid digest")
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")
)

var algorithms = map[Algorithm]struct {
	newHash func() hash.Hash
	size    int
}{
	SHA256: {newHash: sha256.New, size: sha256.Size},
	SHA512: {newHash: sha512.New, size: sha512.Size},
	BLAKE3: {newHash: func() hash.Hash { return blake3.New() }, size: 32},
}

// Available reports whether the algorithm can be used
func (a Algorithm) Available() bool {
	_, ok := algorithms[a]
	return ok
}

func (a Algorithm) String() string {
	return string(a)
}

// ParseAlgorithm validates an algorithm name. An empty name selects Canonical.
func ParseAlgorithm(name string) (Algorithm, error) {
	if name == "" {
		return Canonical, nil
	}
	alg := Algorithm(strings.ToLower(name))
	if !alg.Available() {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, name)
	}
	return alg, nil
}

// Accumulator is a resumable hashing context. Bytes must be fed in the order
// they appear in the content.
type Accumulator struct {
	alg  Algorithm
	h    hash.Hash
	size int64
}

// Start returns an empty accumulator for alg
func Start(alg Algorithm) (*Accumulator, error) {
	spec, ok := algorithms[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	return &Accumulator{alg: alg, h: spec.newHash()}, nil
}

// Write implements io.Writer so an accumulator can sit behind io.TeeReader.
func (a *Accumulator) Write(p []byte) (int, error) {
	n, _ := a.h.Write(p)
	a.size += int64(n)
	return n, nil
}

// Update feeds p into the running hash
func (a *Accumulator) Update(p []byte) {
	a.Write(p)
}

// Finish returns the digest of everything written so far. The accumulator
// stays usable afterwards.
func (a *Accumulator) Finish() Digest {
	return godigest.NewDigestFromEncoded(godigest.Algorithm(a.alg), fmt.Sprintf("%x", a.h.Sum(nil)))
}

// Size is the number of bytes consumed
func (a *Accumulator) Size() int64 {
	return a.size
}

// Algorithm returns the hash function in use
func (a *Accumulator) Algorithm() Algorithm {
	return a.alg
}

// Reset discards all consumed bytes
func (a *Accumulator) Reset() {
	a.h.Reset()
	a.size = 0
}

// Verify reports whether actual is exactly expected. Digests computed with
// different algorithms never match.
func Verify(expected, actual Digest) bool {
	return expected != "" && expected == actual
}

// FromBytes digests b in one shot
func FromBytes(alg Algorithm, b []byte) (Digest, error) {
	acc, err := Start(alg)
	if err != nil {
		return "", err
	}
	acc.Update(b)
	return acc.Finish(), nil
}

// FromReader digests everything r yields and returns the byte count alongside
func FromReader(alg Algorithm, r io.Reader) (Digest, int64, error) {
	acc, err := Start(alg)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(acc, r)
	if err != nil {
		return "", n, fmt.Errorf("failed to read content: %w", err)
	}
	return acc.Finish(), n, nil
}

// Parse validates s as "algorithm:hex" with a supported algorithm and a
// correctly sized lowercase hex value.
func Parse(s string) (Digest, error) {
	algName, encoded, ok := strings.Cut(s, ":")
	if !ok || algName == "" || encoded == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidDigest, s)
	}

	spec, known := algorithms[Algorithm(algName)]
	if !known {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algName)
	}

	if len(encoded) != spec.size*2 {
		return "", fmt.Errorf("%w: %q has wrong length for %s", ErrInvalidDigest, s, algName)
	}
	for _, c := range encoded {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("%w: %q is not lowercase hex", ErrInvalidDigest, s)
		}
	}

	return Digest(s), nil
}

// AlgorithmOf returns the algorithm component of d, or "" when d is malformed
func AlgorithmOf(d Digest) Algorithm {
	alg, _, ok := strings.Cut(string(d), ":")
	if !ok {
		return ""
	}
	return Algorithm(alg)
}

// Hex returns the encoded component of d
func Hex(d Digest) string {
	_, encoded, _ := strings.Cut(string(d), ":")
	return encoded
}

// IsDigest reports whether a manifest reference is in digest form. Tags can
// never contain a colon.
func IsDigest(reference string) bool {
	return strings.Contains(reference, ":")
}
