// Package keys holds the signing identity of a Cell STS process: an RSA
// key pair and the X.509 certificate whose thumbprint names the key in
// JWKS documents and token headers.
//
// Key material is created once at start-up, either self-signed or loaded
// from a provisioned PEM pair, and is read-only afterwards. Rotation is not
// handled here; a restarted process publishes its new key under a new
// thumbprint.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // x5t is defined as a SHA-1 thumbprint
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
)

const (
	// KeySize is the RSA modulus size for generated keys.
	KeySize = 2048

	// DefaultValidity is the lifetime of a self-signed certificate.
	DefaultValidity = 365 * 24 * time.Hour

	organization = "cell-sts"
)

// Material is one cell's signing identity.
type Material struct {
	PrivateKey  *rsa.PrivateKey
	PublicKey   *rsa.PublicKey
	Certificate *x509.Certificate
}

// Thumbprint returns the base64url (unpadded) SHA-1 digest of the DER
// certificate. It is used both as the JWKS kid and as the token x5t header.
func (m *Material) Thumbprint() string {
	if m == nil || m.Certificate == nil {
		return ""
	}
	sum := sha1.Sum(m.Certificate.Raw) //nolint:gosec
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Provider resolves the current key material. The decision engine and the
// JWKS publisher depend on this interface rather than on a package-level
// singleton.
type Provider interface {
	Material() (*Material, error)
}

// StaticProvider serves a fixed Material. A nil Material makes every
// call fail with a configuration error.
type StaticProvider struct {
	m *Material
}

// NewStaticProvider wraps m.
func NewStaticProvider(m *Material) *StaticProvider {
	return &StaticProvider{m: m}
}

// Material implements [Provider].
func (p *StaticProvider) Material() (*Material, error) {
	if p == nil || p.m == nil || p.m.PrivateKey == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "keys: signing key is not available")
	}
	return p.m, nil
}

// Generate creates a fresh RSA key and a self-signed certificate whose
// common name is the cell's name.
func Generate(cellName string) (*Material, error) {
	if cellName == "" {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "keys: cell name is required")
	}
	key, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "keys: failed to generate RSA key")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "keys: failed to generate serial")
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   cellName,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(DefaultValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "keys: failed to self-sign certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "keys: failed to parse certificate")
	}
	return &Material{PrivateKey: key, PublicKey: &key.PublicKey, Certificate: cert}, nil
}

// ParsePEM builds Material from a PEM private key (PKCS#1 or PKCS#8) and a
// PEM certificate. The certificate must carry the key's public half.
func ParsePEM(keyPEM, certPEM []byte) (*Material, error) {
	kb, _ := pem.Decode(keyPEM)
	if kb == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "keys: private key is not PEM encoded")
	}
	key, err := parsePrivateKey(kb.Bytes)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "keys: failed to parse private key")
	}

	cb, _ := pem.Decode(certPEM)
	if cb == nil || cb.Type != "CERTIFICATE" {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "keys: certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(cb.Bytes)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "keys: failed to parse certificate")
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return nil, sserr.New(sserr.CodeInternalConfiguration,
			"keys: certificate does not match private key")
	}
	return &Material{PrivateKey: key, PublicKey: &key.PublicKey, Certificate: cert}, nil
}

// LoadFiles reads a provisioned key and certificate from disk.
func LoadFiles(keyPath, certPath string) (*Material, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeInternalConfiguration, "keys: failed to read %q", keyPath)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeInternalConfiguration, "keys: failed to read %q", certPath)
	}
	return ParsePEM(keyPEM, certPEM)
}

// Resolve returns provisioned material when both paths are set and a
// freshly generated self-signed identity otherwise. Setting only one of the
// two paths is a configuration error.
func Resolve(cellName, keyPath, certPath string) (*Material, error) {
	switch {
	case keyPath != "" && certPath != "":
		return LoadFiles(keyPath, certPath)
	case keyPath != "" || certPath != "":
		return nil, sserr.New(sserr.CodeInternalConfiguration,
			"keys: key and certificate paths must be set together")
	default:
		return Generate(cellName)
	}
}

// EncodePEM returns PEM encodings of m's private key (PKCS#1) and
// certificate.
func EncodePEM(m *Material) (keyPEM, certPEM []byte) {
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(m.PrivateKey)})
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.Certificate.Raw})
	return keyPEM, certPEM
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", parsed)
	}
	return key, nil
}
