package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"os"
	"strings"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

// DefaultRSAKeyBits is the modulus size of keys generated at startup
const DefaultRSAKeyBits = 2048

// KeySet holds the active signing key and the public keys accepted during
// verification. Previous keys stay verifiable after a rotation until their
// tokens expire.
type KeySet struct {
	signing *rsa.PrivateKey
	kid     string
	public  map[string]*rsa.PublicKey
}

// NewKeySet builds a key set from an RSA private key
func NewKeySet(signing *rsa.PrivateKey, previous ...*rsa.PublicKey) (*KeySet, error) {
	if signing == nil {
		return nil, goerrors.New("signing key is required", goerrors.CategoryBadInput)
	}

	kid, err := KeyID(&signing.PublicKey)
	if err != nil {
		return nil, err
	}

	ks := &KeySet{
		signing: signing,
		kid:     kid,
		public:  map[string]*rsa.PublicKey{kid: &signing.PublicKey},
	}

	for _, pub := range previous {
		if pub == nil {
			continue
		}
		pkid, err := KeyID(pub)
		if err != nil {
			return nil, err
		}
		ks.public[pkid] = pub
	}

	return ks, nil
}

// GenerateKeySet creates a fresh key pair. Tokens signed with it do not
// survive a restart unless the key is persisted.
func GenerateKeySet(bits int) (*KeySet, error) {
	if bits <= 0 {
		bits = DefaultRSAKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate RSA key")
	}
	return NewKeySet(key)
}

// LoadKeySet resolves the signing key from config. An empty PEM generates
// a key pair.
func LoadKeySet(cfg Config, logger Logger) (*KeySet, error) {
	logger = normalizeLogger(logger)

	previous := make([]*rsa.PublicKey, 0, len(cfg.GetPreviousPublicKeysPEM()))
	for _, raw := range cfg.GetPreviousPublicKeysPEM() {
		data, err := readPEM(raw)
		if err != nil {
			return nil, err
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(data)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid previous public key")
		}
		previous = append(previous, pub)
	}

	raw := cfg.GetPrivateKeyPEM()
	if strings.TrimSpace(raw) == "" {
		logger.Warn("no signing key configured, generating an ephemeral RSA key", "bits", DefaultRSAKeyBits)
		key, err := rsa.GenerateKey(rand.Reader, DefaultRSAKeyBits)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate RSA key")
		}
		return NewKeySet(key, previous...)
	}

	data, err := readPEM(raw)
	if err != nil {
		return nil, err
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid RSA private key")
	}

	return NewKeySet(key, previous...)
}

// readPEM accepts inline PEM text or a path to a PEM file
func readPEM(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "-----BEGIN") {
		return []byte(raw), nil
	}
	data, err := os.ReadFile(raw)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to read key file").
			WithMetadata(map[string]any{"path": raw})
	}
	return data, nil
}

// KeyID derives a stable kid from the DER encoded public key
func KeyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode public key")
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:])[:16], nil
}

// KID returns the identifier of the active signing key
func (k *KeySet) KID() string {
	return k.kid
}

// SigningKey returns the active private key
func (k *KeySet) SigningKey() *rsa.PrivateKey {
	return k.signing
}

// PublicKey returns the verification key for kid
func (k *KeySet) PublicKey(kid string) (*rsa.PublicKey, bool) {
	pub, ok := k.public[kid]
	return pub, ok
}

// Keyfunc returns a jwt.Keyfunc that resolves keys by kid and pins RS256
func (k *KeySet) Keyfunc() jwt.Keyfunc {
	given := make(map[string]keyfunc.GivenKey, len(k.public))
	for kid, pub := range k.public {
		given[kid] = keyfunc.NewGivenCustom(pub, keyfunc.GivenKeyOptions{
			Algorithm: jwt.SigningMethodRS256.Alg(),
		})
	}
	return keyfunc.NewGiven(given).Keyfunc
}

// PublicKeyPEM encodes the active public key
func (k *KeySet) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.signing.PublicKey)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode public key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// JWK is the public half of an RSA key in JSON Web Key form
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet is served to resource servers
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWKS returns every verification key, active key first
func (k *KeySet) JWKS() JWKSet {
	set := JWKSet{Keys: make([]JWK, 0, len(k.public))}
	set.Keys = append(set.Keys, rsaJWK(k.kid, &k.signing.PublicKey))
	for kid, pub := range k.public {
		if kid == k.kid {
			continue
		}
		set.Keys = append(set.Keys, rsaJWK(kid, pub))
	}
	return set
}

func rsaJWK(kid string, pub *rsa.PublicKey) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: jwt.SigningMethodRS256.Alg(),
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
