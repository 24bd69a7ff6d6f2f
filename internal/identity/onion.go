package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base32"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Onion address constants.
const (
	// OnionV3Length is the length of a v3 onion address without the ".onion" suffix.
	OnionV3Length = 56

	// OnionV3Version is the version byte for v3 onion addresses.
	OnionV3Version = 0x03

	// OnionSuffix is the common suffix for all onion addresses.
	OnionSuffix = ".onion"
)

// onionV3Pattern matches v3 onion addresses (56 base32 characters + .onion).
var onionV3Pattern = regexp.MustCompile(`^[a-z2-7]{56}\.onion$`)

// checksumPrefix is the prefix used in v3 onion address checksum calculation.
var checksumPrefix = []byte(".onion checksum")

// Key file headers tor writes in front of hidden service keys. Each is
// padded with NUL bytes to 32 bytes.
var (
	secretKeyHeader = padHeader("== ed25519v1-secret: type0 ==")
	publicKeyHeader = padHeader("== ed25519v1-public: type0 ==")
)

func padHeader(s string) []byte {
	h := make([]byte, 32)
	copy(h, s)
	return h
}

// computeV3Checksum computes the checksum bytes for a v3 onion address.
// The checksum is the first 2 bytes of SHA3-256(".onion checksum" || pubkey || version).
func computeV3Checksum(pubkey []byte, version byte) []byte {
	data := make([]byte, 0, len(checksumPrefix)+len(pubkey)+1)
	data = append(data, checksumPrefix...)
	data = append(data, pubkey...)
	data = append(data, version)
	hash := sha3.Sum256(data)
	return hash[:2]
}

// OnionAddress computes the v3 onion address of an ed25519 public key.
func OnionAddress(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", ErrInvalidOnionAddress
	}
	addressData := make([]byte, 35)
	copy(addressData[:32], pub)
	copy(addressData[32:34], computeV3Checksum(pub, OnionV3Version))
	addressData[34] = OnionV3Version
	return strings.ToLower(base32.StdEncoding.EncodeToString(addressData)) + OnionSuffix, nil
}

// IsValidV3Address checks the format and checksum of a v3 onion address.
func IsValidV3Address(address string) bool {
	address = strings.ToLower(address)
	if !onionV3Pattern.MatchString(address) {
		return false
	}
	decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(strings.TrimSuffix(address, OnionSuffix)))
	if err != nil || len(decoded) != 35 {
		return false
	}
	if decoded[34] != OnionV3Version {
		return false
	}
	want := computeV3Checksum(decoded[:32], OnionV3Version)
	return decoded[32] == want[0] && decoded[33] == want[1]
}

// HiddenService is the identity of an onion service.
type HiddenService struct {
	PublicKey ed25519.PublicKey
	Address   string
}

// HiddenServiceDir returns the directory tor reads the service keys from.
func HiddenServiceDir(dataDir string) string {
	return filepath.Join(dataDir, "hidden_service")
}

// EnsureHiddenService loads the onion service identity under dir, creating
// the key pair and hostname file when they are missing.
func EnsureHiddenService(dir string) (*HiddenService, error) {
	pubPath := filepath.Join(dir, "hs_ed25519_public_key")
	data, err := os.ReadFile(pubPath) //nolint:gosec // path is inside the node data directory
	switch {
	case err == nil:
		if len(data) != 64 || !bytes.Equal(data[:32], publicKeyHeader) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidKey, pubPath)
		}
		pub := ed25519.PublicKey(data[32:])
		addr, err := OnionAddress(pub)
		if err != nil {
			return nil, err
		}
		return &HiddenService{PublicKey: pub, Address: addr}, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", pubPath, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	addr, err := OnionAddress(pub)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create hidden service dir: %w", err)
	}
	secret := append(append([]byte{}, secretKeyHeader...), expandSecret(priv)...)
	if err := writePrivate(filepath.Join(dir, "hs_ed25519_secret_key"), secret); err != nil {
		return nil, err
	}
	public := append(append([]byte{}, publicKeyHeader...), pub...)
	if err := os.WriteFile(pubPath, public, 0o600); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "hostname"), []byte(addr+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write hostname: %w", err)
	}
	return &HiddenService{PublicKey: pub, Address: addr}, nil
}

// expandSecret converts an ed25519 private key into the 64-byte expanded
// form tor stores: the clamped scalar followed by the hash prefix.
func expandSecret(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 63
	h[31] |= 64
	return h[:]
}

// ReadHostname returns the onion address tor wrote for a service, or an
// empty string when the file does not exist yet.
func ReadHostname(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "hostname")) //nolint:gosec // path is inside the node data directory
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	addr := strings.TrimSpace(string(data))
	if !IsValidV3Address(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidOnionAddress, addr)
	}
	return addr, nil
}
