// Package identity implements the sovereign cryptographic identity: ECDSA
// P-256 key generation, canonical signing/verification, DID derivation, and
// portable JWK-like export/import.
//
// Import hygiene: identity depends only on internal/canon and internal/
// kernelerr. It does NOT import ledger, kernel or eventfabric, mirroring the
// teacher wallet's "lowest tier" layering discipline.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"github.com/srcp/kernel/internal/canon"
	"github.com/srcp/kernel/internal/kernelerr"
)

const didPrefix = "did:srcp:"

// Identity is a sovereign key pair bound to a username. The private key is
// never exposed as a field; Sign and Export are the only accessors that
// touch it.
type Identity struct {
	username string
	did      string
	pub      *ecdsa.PublicKey
	priv     *ecdsa.PrivateKey
}

// Create generates a fresh ECDSA P-256 key pair and derives its DID. Empty,
// long, unicode and punctuated usernames are all accepted without
// normalisation — two calls with the same username yield different DIDs
// since the key material is freshly generated each time.
func Create(username string) (*Identity, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return fromKey(username, priv)
}

func fromKey(username string, priv *ecdsa.PrivateKey) (*Identity, error) {
	did, err := deriveDID(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Identity{username: username, did: did, pub: &priv.PublicKey, priv: priv}, nil
}

// Username returns the identity's display name.
func (id *Identity) Username() string { return id.username }

// DID returns the identity's decentralised identifier.
func (id *Identity) DID() string { return id.did }

// PublicKey returns the JWK-like public-key record. Safe to share freely.
func (id *Identity) PublicKey() JWK { return publicJWK(id.pub) }

// Sign canonicalises value, hashes it with SHA-256, and signs the digest
// with the identity's private key. ECDSA signing draws randomness from
// crypto/rand — together with key generation in Create, the sanctioned
// ambient-entropy use in this package, since spec 4.B requires signatures to be randomised (two signings of the
// same input must differ, and both must verify). The returned signature is
// IEEE P1363 (r||s), 64 bytes, base64 URL-safe without padding.
func (id *Identity) Sign(value any) (string, error) {
	digest := sha256.Sum256(canon.Bytes(value))
	r, s, err := ecdsa.Sign(crand.Reader, id.priv, digest[:])
	if err != nil {
		return "", fmt.Errorf("identity: sign: %w", err)
	}
	return encodeSignature(r, s), nil
}

// Verify recomputes the canonical digest of value and checks signature
// against pub. It never panics or returns an error — tampered input, a
// malformed signature, or a mismatched key all simply yield false.
func Verify(pub JWK, value any, signature string) bool {
	pubKey, err := pub.toECDSA()
	if err != nil {
		return false
	}
	r, s, err := decodeSignature(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(canon.Bytes(value))
	return ecdsa.Verify(pubKey, digest[:], r, s)
}

// ExportRecord is the serialisable copy produced by Export, containing both
// keys in portable JWK form.
type ExportRecord struct {
	Username      string `json:"username"`
	DID           string `json:"did"`
	PublicKeyJWK  JWK    `json:"public_key_jwk"`
	PrivateKeyJWK JWK    `json:"private_key_jwk"`
}

// Export produces a serialisable copy of the identity containing both keys.
func (id *Identity) Export() ExportRecord {
	return ExportRecord{
		Username:      id.username,
		DID:           id.did,
		PublicKeyJWK:  publicJWK(id.pub),
		PrivateKeyJWK: privateJWK(id.priv),
	}
}

// Import reconstructs an Identity from an ExportRecord. Only
// record.Username and record.PrivateKeyJWK are read: the key pair comes from
// the private JWK's x, y and d, and the DID is recomputed from those public
// coordinates. record.PublicKeyJWK and record.DID are not consulted, so a
// record whose DID does not derive from its key yields a different DID
// rather than a silently wrong identity.
func Import(record ExportRecord) (*Identity, error) {
	priv, err := record.PrivateKeyJWK.toPrivateECDSA()
	if err != nil {
		return nil, fmt.Errorf("identity: import: %w", err)
	}
	return fromKey(record.Username, priv)
}

// ---------------------------------------------------------------------
// DID derivation
// ---------------------------------------------------------------------

func deriveDID(pub *ecdsa.PublicKey) (string, error) {
	digest := sha256.Sum256(canon.Bytes(canonicalPublicKeyFields(pub)))
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(digest[:])
	encoded = strings.ToLower(encoded)
	if len(encoded) > 32 {
		encoded = encoded[:32]
	}
	return didPrefix + encoded, nil
}

func canonicalPublicKeyFields(pub *ecdsa.PublicKey) canon.Fields {
	return canon.Fields{
		"kty": "EC",
		"crv": "P-256",
		"x":   encodeCoord(pub.X),
		"y":   encodeCoord(pub.Y),
	}
}

// ---------------------------------------------------------------------
// JWK-like serialisation
// ---------------------------------------------------------------------

// JWK is a portable JSON-Web-Key-like record for a P-256 key. D is present
// only in private exports.
type JWK struct {
	Kty string  `json:"kty"`
	Crv string  `json:"crv"`
	X   string  `json:"x"`
	Y   string  `json:"y"`
	D   *string `json:"d,omitempty"`
}

func publicJWK(pub *ecdsa.PublicKey) JWK {
	return JWK{Kty: "EC", Crv: "P-256", X: encodeCoord(pub.X), Y: encodeCoord(pub.Y)}
}

func privateJWK(priv *ecdsa.PrivateKey) JWK {
	jwk := publicJWK(&priv.PublicKey)
	d := encodeCoord(priv.D)
	jwk.D = &d
	return jwk
}

func (j JWK) toECDSA() (*ecdsa.PublicKey, error) {
	if j.Kty != "EC" || j.Crv != "P-256" {
		return nil, fmt.Errorf("identity: unsupported key type %s/%s", j.Kty, j.Crv)
	}
	x, err := decodeCoord(j.X)
	if err != nil {
		return nil, err
	}
	y, err := decodeCoord(j.Y)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

func (j JWK) toPrivateECDSA() (*ecdsa.PrivateKey, error) {
	pub, err := j.toECDSA()
	if err != nil {
		return nil, err
	}
	if j.D == nil {
		return nil, fmt.Errorf("identity: JWK has no private component")
	}
	d, err := decodeCoord(*j.D)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PrivateKey{PublicKey: *pub, D: d}, nil
}

func encodeCoord(n *big.Int) string {
	b := make([]byte, 32)
	n.FillBytes(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCoord(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("identity: decode coordinate: %w", err)
	}
	return new(big.Int).SetBytes(b), nil
}

// ---------------------------------------------------------------------
// Signature encoding — IEEE P1363 (r||s), base64url, 64 bytes decoded.
// ---------------------------------------------------------------------

func encodeSignature(r, s *big.Int) string {
	buf := make([]byte, 64)
	r.FillBytes(buf[:32])
	s.FillBytes(buf[32:])
	return base64.RawURLEncoding.EncodeToString(buf)
}

func decodeSignature(sig string) (r, s *big.Int, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: decode signature: %w", err)
	}
	if len(raw) != 64 {
		return nil, nil, kernelerr.Wrap(kernelerr.KindInvalidSignature, "signature must decode to 64 bytes", nil)
	}
	r = new(big.Int).SetBytes(raw[:32])
	s = new(big.Int).SetBytes(raw[32:])
	return r, s, nil
}
