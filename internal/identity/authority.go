package identity

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultCertificateValidity is the lifetime of a generated authority
// certificate.
const DefaultCertificateValidity = 365 * 24 * time.Hour

const certTimeLayout = "2006-01-02 15:04:05"

// Authority is the key material of a directory authority.
type Authority struct {
	Identity *rsa.PrivateKey
	Signing  *rsa.PrivateKey
	// V3Ident is the fingerprint of the authority identity key.
	V3Ident     string
	Certificate *Certificate
}

// Certificate is a parsed dir-key-certificate.
type Certificate struct {
	Fingerprint string
	Published   time.Time
	Expires     time.Time
	IdentityKey *rsa.PublicKey
	SigningKey  *rsa.PublicKey
	Raw         string
}

// Valid reports whether the certificate is usable at t.
func (c *Certificate) Valid(t time.Time) bool {
	return !t.Before(c.Published) && t.Before(c.Expires)
}

// AuthorityOptions configures EnsureAuthority.
type AuthorityOptions struct {
	// IdentityBits is the size of the authority identity key. Zero means
	// AuthorityKeyBits.
	IdentityBits int
	// Validity is the certificate lifetime. Zero means
	// DefaultCertificateValidity.
	Validity time.Duration
	// Address is recorded in the certificate's dir-address line when set.
	Address string
	// Now overrides the clock.
	Now func() time.Time
}

// Authority key file paths, relative to the keys directory.
const (
	authorityIdentityFile    = "authority_identity_key"
	authoritySigningFile     = "authority_signing_key"
	authorityCertificateFile = "authority_certificate"
)

// EnsureAuthority loads or creates the authority identity key, signing key
// and certificate of the node at dataDir. A certificate that has expired
// or no longer matches the keys is reissued.
func EnsureAuthority(dataDir string, opts AuthorityOptions) (*Authority, error) {
	if opts.IdentityBits == 0 {
		opts.IdentityBits = AuthorityKeyBits
	}
	if opts.Validity == 0 {
		opts.Validity = DefaultCertificateValidity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	keys := KeysDir(dataDir)
	identity, err := loadOrCreateRSA(filepath.Join(keys, authorityIdentityFile), opts.IdentityBits)
	if err != nil {
		return nil, fmt.Errorf("authority identity key: %w", err)
	}
	signing, err := loadOrCreateRSA(filepath.Join(keys, authoritySigningFile), RelayKeyBits)
	if err != nil {
		return nil, fmt.Errorf("authority signing key: %w", err)
	}

	a := &Authority{
		Identity: identity,
		Signing:  signing,
		V3Ident:  Fingerprint(&identity.PublicKey),
	}

	certPath := filepath.Join(keys, authorityCertificateFile)
	if cert, err := ReadCertificate(certPath); err == nil &&
		cert.Valid(opts.Now()) &&
		cert.Fingerprint == a.V3Ident &&
		Fingerprint(cert.SigningKey) == Fingerprint(&signing.PublicKey) {
		a.Certificate = cert
		return a, nil
	}

	raw, err := IssueCertificate(identity, signing, opts.Address, opts.Now().UTC(), opts.Validity)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(certPath, []byte(raw), 0o600); err != nil {
		return nil, fmt.Errorf("write authority certificate: %w", err)
	}
	cert, err := ParseCertificate(raw)
	if err != nil {
		return nil, err
	}
	a.Certificate = cert
	return a, nil
}

// IssueCertificate builds a dir-key-certificate-version 3 document that
// binds signing to identity for validity starting at published.
func IssueCertificate(identity, signing *rsa.PrivateKey, address string, published time.Time, validity time.Duration) (string, error) {
	published = published.Truncate(time.Second)

	var b strings.Builder
	b.WriteString("dir-key-certificate-version 3\n")
	if address != "" {
		fmt.Fprintf(&b, "dir-address %s\n", address)
	}
	fmt.Fprintf(&b, "fingerprint %s\n", Fingerprint(&identity.PublicKey))
	fmt.Fprintf(&b, "dir-key-published %s\n", published.Format(certTimeLayout))
	fmt.Fprintf(&b, "dir-key-expires %s\n", published.Add(validity).Format(certTimeLayout))
	b.WriteString("dir-identity-key\n")
	b.WriteString(publicPEM(&identity.PublicKey))
	b.WriteString("dir-signing-key\n")
	b.WriteString(publicPEM(&signing.PublicKey))

	// The signing key vouches for the identity key.
	cross, err := signDigest(signing, x509.MarshalPKCS1PublicKey(&identity.PublicKey))
	if err != nil {
		return "", fmt.Errorf("sign cross certificate: %w", err)
	}
	b.WriteString("dir-key-crosscert\n")
	b.Write(pem.EncodeToMemory(&pem.Block{Type: "ID SIGNATURE", Bytes: cross}))

	b.WriteString("dir-key-certification\n")
	sig, err := signDigest(identity, []byte(b.String()))
	if err != nil {
		return "", fmt.Errorf("sign certificate: %w", err)
	}
	b.Write(pem.EncodeToMemory(&pem.Block{Type: "SIGNATURE", Bytes: sig}))
	return b.String(), nil
}

// ReadCertificate parses the certificate stored at path.
func ReadCertificate(path string) (*Certificate, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is inside the node data directory
	if err != nil {
		return nil, err
	}
	return ParseCertificate(string(data))
}

// ParseCertificate parses a dir-key-certificate and verifies both of its
// signatures.
func ParseCertificate(raw string) (*Certificate, error) {
	c := &Certificate{Raw: raw}
	var (
		cross, sig []byte
		signedLen  = -1
	)

	rest := raw
	for rest != "" {
		line, tail, _ := strings.Cut(rest, "\n")
		consumed := len(raw) - len(rest)
		rest = tail
		keyword, arg, _ := strings.Cut(line, " ")

		var err error
		switch keyword {
		case "fingerprint":
			c.Fingerprint = arg
		case "dir-key-published":
			c.Published, err = time.Parse(certTimeLayout, arg)
		case "dir-key-expires":
			c.Expires, err = time.Parse(certTimeLayout, arg)
		case "dir-identity-key":
			c.IdentityKey, rest, err = takePublicKey(rest)
		case "dir-signing-key":
			c.SigningKey, rest, err = takePublicKey(rest)
		case "dir-key-crosscert":
			cross, rest, err = takeBlock(rest, "ID SIGNATURE")
		case "dir-key-certification":
			signedLen = consumed + len(line) + 1
			sig, rest, err = takeBlock(rest, "SIGNATURE")
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidCertificate, keyword, err)
		}
	}

	if c.IdentityKey == nil || c.SigningKey == nil || cross == nil || sig == nil || signedLen < 0 {
		return nil, fmt.Errorf("%w: missing fields", ErrInvalidCertificate)
	}
	if c.Fingerprint != Fingerprint(c.IdentityKey) {
		return nil, fmt.Errorf("%w: fingerprint does not match identity key", ErrInvalidCertificate)
	}
	if err := verifyDigest(c.SigningKey, x509.MarshalPKCS1PublicKey(c.IdentityKey), cross); err != nil {
		return nil, fmt.Errorf("%w: cross certificate: %w", ErrInvalidCertificate, err)
	}
	if err := verifyDigest(c.IdentityKey, []byte(raw[:signedLen]), sig); err != nil {
		return nil, fmt.Errorf("%w: certification: %w", ErrInvalidCertificate, err)
	}
	return c, nil
}

// takeBlock decodes the PEM block at the start of s.
func takeBlock(s, typ string) ([]byte, string, error) {
	block, rest := pem.Decode([]byte(s))
	if block == nil || block.Type != typ {
		return nil, s, fmt.Errorf("expected %s block", typ)
	}
	return block.Bytes, string(rest), nil
}

func takePublicKey(s string) (*rsa.PublicKey, string, error) {
	der, rest, err := takeBlock(s, "RSA PUBLIC KEY")
	if err != nil {
		return nil, s, err
	}
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, s, err
	}
	return pub, rest, nil
}
