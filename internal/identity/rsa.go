package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // tor fingerprints are defined as SHA-1 digests
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Key sizes used by tor.
const (
	// RelayKeyBits is the size of relay identity and authority signing keys.
	RelayKeyBits = 1024
	// AuthorityKeyBits is the size tor uses for authority identity keys.
	AuthorityKeyBits = 3072
)

// KeysDir returns the keys directory inside a tor data directory.
func KeysDir(dataDir string) string {
	return filepath.Join(dataDir, "keys")
}

// Fingerprint returns the upper case hex SHA-1 digest of the PKCS#1 DER
// encoding of pub, which is how tor names relays and authority keys.
func Fingerprint(pub *rsa.PublicKey) string {
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(pub)) //nolint:gosec // see import
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// loadOrCreateRSA reads a PEM encoded PKCS#1 private key from path, or
// generates and writes one when the file does not exist.
func loadOrCreateRSA(path string, bits int) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is inside the node data directory
	switch {
	case err == nil:
		return parseRSAPrivate(data)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	if err := writePrivate(path, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})); err != nil {
		return nil, err
	}
	return key, nil
}

func parseRSAPrivate(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("%w: expected an RSA PRIVATE KEY block", ErrInvalidKey)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return key, nil
}

// writePrivate writes key material readable by the owner only.
func writePrivate(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create keys dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write key %s: %w", path, err)
	}
	return nil
}

func publicPEM(pub *rsa.PublicKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(pub),
	}))
}

// signDigest produces a tor style RSA signature: PKCS#1 v1.5 padding over
// a raw SHA-1 digest, without the DigestInfo prefix.
func signDigest(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	sum := sha1.Sum(data) //nolint:gosec // see import
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.Hash(0), sum[:])
}

// verifyDigest checks a signature made by signDigest.
func verifyDigest(pub *rsa.PublicKey, data, sig []byte) error {
	sum := sha1.Sum(data) //nolint:gosec // see import
	return rsa.VerifyPKCS1v15(pub, crypto.Hash(0), sum[:], sig)
}

// RelayIdentity is the identity of a relay or authority in the consensus.
type RelayIdentity struct {
	Key         *rsa.PrivateKey
	Fingerprint string
}

// RelayKeyPath returns where tor keeps the relay identity key.
func RelayKeyPath(dataDir string) string {
	return filepath.Join(KeysDir(dataDir), "secret_id_key")
}

// EnsureRelay loads the relay identity key of the node at dataDir,
// creating it if needed.
func EnsureRelay(dataDir string) (*RelayIdentity, error) {
	key, err := loadOrCreateRSA(RelayKeyPath(dataDir), RelayKeyBits)
	if err != nil {
		return nil, err
	}
	return &RelayIdentity{Key: key, Fingerprint: Fingerprint(&key.PublicKey)}, nil
}

// GroupFingerprint splits a fingerprint into space separated groups of
// four, the form tor prints.
func GroupFingerprint(fp string) string {
	var b strings.Builder
	for i := 0; i < len(fp); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(fp[i:min(i+4, len(fp))])
	}
	return b.String()
}

// WriteFingerprintFile writes the "fingerprint" file tor keeps next to its
// keys: the nickname followed by the grouped fingerprint.
func WriteFingerprintFile(dataDir, nickname, fingerprint string) error {
	path := filepath.Join(dataDir, "fingerprint")
	if err := os.WriteFile(path, []byte(nickname+" "+GroupFingerprint(fingerprint)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write fingerprint file: %w", err)
	}
	return nil
}

// ReadFingerprintFile returns the fingerprint recorded in a node's data
// directory, or an empty string when there is none yet.
func ReadFingerprintFile(dataDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, "fingerprint")) //nolint:gosec // path is inside the node data directory
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return "", fmt.Errorf("%w: malformed fingerprint file", ErrInvalidKey)
	}
	return strings.Join(fields[1:], ""), nil
}
