// Package keys supplies the identity provider's signing keys and the public
// key set derived from them.
package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
)

// DefaultAlgorithm signs every token the provider issues.
const DefaultAlgorithm = jwa.RS256

// DefaultKeyBits is the RSA modulus size for generated keys.
const DefaultKeyBits = 2048

// ErrNoSigningKey is returned when a provider has no usable key.
var ErrNoSigningKey = errors.New("keys: no signing key available")

// SigningKey is a private key with its identifier.
type SigningKey struct {
	KeyID     string
	Algorithm jwa.SignatureAlgorithm
	Key       *rsa.PrivateKey
	CreatedAt time.Time
}

// Provider supplies the signing key and every public key still valid for
// verification.
type Provider interface {
	SigningKey(ctx context.Context) (*SigningKey, error)
	PublicKeys(ctx context.Context) ([]jwk.Key, error)
}

var (
	_ Provider = (*GeneratingProvider)(nil)
	_ Provider = (*FileProvider)(nil)
)

// GeneratingProvider generates RSA keys in memory. Keys are lost on restart,
// which invalidates every token issued before it.
type GeneratingProvider struct {
	bits       int
	maxRetired int
	logger     *zap.Logger

	mu      sync.Mutex
	current *SigningKey
	retired []*SigningKey
}

// GeneratingOption configures a GeneratingProvider.
type GeneratingOption func(*GeneratingProvider)

// WithKeyBits sets the RSA modulus size.
func WithKeyBits(bits int) GeneratingOption {
	return func(p *GeneratingProvider) { p.bits = bits }
}

// WithRetiredKeys sets how many rotated-out keys stay published.
func WithRetiredKeys(n int) GeneratingOption {
	return func(p *GeneratingProvider) { p.maxRetired = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) GeneratingOption {
	return func(p *GeneratingProvider) { p.logger = l }
}

// NewGeneratingProvider creates a provider whose first key is generated
// lazily on first use.
func NewGeneratingProvider(opts ...GeneratingOption) *GeneratingProvider {
	p := &GeneratingProvider{bits: DefaultKeyBits, maxRetired: 1, logger: zap.NewNop()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SigningKey returns the current key, generating one if needed.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		k, err := generate(p.bits)
		if err != nil {
			return nil, err
		}
		p.logger.Warn("generated ephemeral signing key, tokens will be invalid after restart",
			zap.String("key_id", k.KeyID))
		p.current = k
	}
	cp := *p.current
	return &cp, nil
}

// Rotate replaces the signing key. The previous key stays published until
// it falls out of the retired window.
func (p *GeneratingProvider) Rotate(_ context.Context) (*SigningKey, error) {
	k, err := generate(p.bits)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.retired = append([]*SigningKey{p.current}, p.retired...)
		if len(p.retired) > p.maxRetired {
			p.retired = p.retired[:p.maxRetired]
		}
	}
	p.current = k
	p.logger.Info("rotated signing key", zap.String("key_id", k.KeyID))
	cp := *k
	return &cp, nil
}

// PublicKeys returns the current and retired public keys, current first.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]jwk.Key, error) {
	if _, err := p.SigningKey(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	all := append([]*SigningKey{p.current}, p.retired...)
	p.mu.Unlock()
	return publicKeys(all)
}

// FileProvider serves a single RSA key loaded from a PEM file.
type FileProvider struct {
	key *SigningKey
}

// NewFileProvider loads a PKCS#1 or PKCS#8 RSA private key from path.
func NewFileProvider(path string) (*FileProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keys: read %s: %w", path, err)
	}
	priv, err := ParsePEM(data)
	if err != nil {
		return nil, fmt.Errorf("keys: %s: %w", path, err)
	}
	k, err := newSigningKey(priv)
	if err != nil {
		return nil, err
	}
	return &FileProvider{key: k}, nil
}

// SigningKey returns a copy of the loaded key.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	cp := *p.key
	return &cp, nil
}

// PublicKeys returns the loaded key's public half.
func (p *FileProvider) PublicKeys(_ context.Context) ([]jwk.Key, error) {
	return publicKeys([]*SigningKey{p.key})
}

// ParsePEM decodes an RSA private key in PKCS#1 or PKCS#8 form.
func ParsePEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", parsed)
	}
	return k, nil
}

// EncodePEM encodes key in PKCS#1 form.
func EncodePEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

// Set builds the published key set from p.
func Set(ctx context.Context, p Provider) (jwk.Set, error) {
	keys, err := p.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	set := jwk.NewSet()
	for _, k := range keys {
		if err := set.AddKey(k); err != nil {
			return nil, fmt.Errorf("keys: add %s: %w", k.KeyID(), err)
		}
	}
	return set, nil
}

// Thumbprint derives a key id from the RFC 7638 SHA-256 thumbprint.
func Thumbprint(pub *rsa.PublicKey) (string, error) {
	k, err := jwk.FromRaw(pub)
	if err != nil {
		return "", fmt.Errorf("keys: jwk from public key: %w", err)
	}
	tp, err := k.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("keys: thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

func generate(bits int) (*SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("keys: generate: %w", err)
	}
	return newSigningKey(priv)
}

func newSigningKey(priv *rsa.PrivateKey) (*SigningKey, error) {
	kid, err := Thumbprint(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &SigningKey{
		KeyID:     kid,
		Algorithm: DefaultAlgorithm,
		Key:       priv,
		CreatedAt: time.Now(),
	}, nil
}

func publicKeys(all []*SigningKey) ([]jwk.Key, error) {
	out := make([]jwk.Key, 0, len(all))
	for _, sk := range all {
		pub, err := jwk.FromRaw(&sk.Key.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("keys: jwk: %w", err)
		}
		for name, v := range map[string]any{
			jwk.KeyIDKey:     sk.KeyID,
			jwk.AlgorithmKey: sk.Algorithm,
			jwk.KeyUsageKey:  jwk.ForSignature,
		} {
			if err := pub.Set(name, v); err != nil {
				return nil, fmt.Errorf("keys: set %s: %w", name, err)
			}
		}
		out = append(out, pub)
	}
	return out, nil
}
