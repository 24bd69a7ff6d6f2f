package identity

import (
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

// Addresses computed from deterministic public keys, for testing only.
const (
	// zeroKeyOnion is the address of the all-zero public key.
	zeroKeyOnion = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaam2dqd.onion"
	// sequentialKeyOnion is the address of the public key 0,1,2,...,31.
	sequentialKeyOnion = "aaaqeayeaudaocajbifqydiob4ibceqtcqkrmfyydenbwha5dyp3kead.onion"
)

var fingerprintPattern = regexp.MustCompile(`^[0-9A-F]{40}$`)

func TestOnionAddress(t *testing.T) {
	t.Parallel()

	zero := make(ed25519.PublicKey, 32)
	if got, err := OnionAddress(zero); err != nil || got != zeroKeyOnion {
		t.Errorf("OnionAddress(zero) = %q, %v; want %q", got, err, zeroKeyOnion)
	}

	seq := make(ed25519.PublicKey, 32)
	for i := range seq {
		seq[i] = byte(i)
	}
	if got, err := OnionAddress(seq); err != nil || got != sequentialKeyOnion {
		t.Errorf("OnionAddress(seq) = %q, %v; want %q", got, err, sequentialKeyOnion)
	}

	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := OnionAddress(make([]byte, n)); !errors.Is(err, ErrInvalidOnionAddress) {
			t.Errorf("expected ErrInvalidOnionAddress for key length %d, got %v", n, err)
		}
	}
}

func TestIsValidV3Address(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		address string
		want    bool
	}{
		{"zero key", zeroKeyOnion, true},
		{"upper case", strings.ToUpper(strings.TrimSuffix(zeroKeyOnion, ".onion")) + ".onion", true},
		{"v2 address", "facebookcorewwwi.onion", false},
		{"bad checksum", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaam2dqe.onion", false},
		{"missing suffix", strings.Repeat("a", 56), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsValidV3Address(tt.address); got != tt.want {
				t.Errorf("IsValidV3Address(%q) = %v, want %v", tt.address, got, tt.want)
			}
		})
	}
}

func TestEnsureRelay(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := EnsureRelay(dir)
	if err != nil {
		t.Fatalf("EnsureRelay: %v", err)
	}
	if !fingerprintPattern.MatchString(first.Fingerprint) {
		t.Errorf("unexpected fingerprint %q", first.Fingerprint)
	}
	if first.Key.N.BitLen() != RelayKeyBits {
		t.Errorf("expected %d bit key, got %d", RelayKeyBits, first.Key.N.BitLen())
	}

	info, err := os.Stat(RelayKeyPath(dir))
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected key mode 0600, got %v", info.Mode().Perm())
	}

	second, err := EnsureRelay(dir)
	if err != nil {
		t.Fatalf("EnsureRelay again: %v", err)
	}
	if second.Fingerprint != first.Fingerprint {
		t.Error("expected the relay identity to survive a restart")
	}
}

func TestFingerprintFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if fp, err := ReadFingerprintFile(dir); err != nil || fp != "" {
		t.Fatalf("expected no fingerprint yet, got %q %v", fp, err)
	}

	const fp = "0123456789ABCDEF0123456789ABCDEF01234567"
	if err := WriteFingerprintFile(dir, "labguard0", fp); err != nil {
		t.Fatalf("WriteFingerprintFile: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "fingerprint"))
	if !strings.HasPrefix(string(data), "labguard0 0123 4567 ") {
		t.Errorf("unexpected fingerprint file %q", data)
	}
	got, err := ReadFingerprintFile(dir)
	if err != nil || got != fp {
		t.Errorf("ReadFingerprintFile = %q, %v; want %q", got, err, fp)
	}
}

func TestEnsureAuthority(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	opts := AuthorityOptions{
		IdentityBits: 1024,
		Address:      "10.0.0.2:7000",
		Now:          func() time.Time { return now },
	}

	a, err := EnsureAuthority(dir, opts)
	if err != nil {
		t.Fatalf("EnsureAuthority: %v", err)
	}
	if !fingerprintPattern.MatchString(a.V3Ident) {
		t.Errorf("unexpected v3ident %q", a.V3Ident)
	}
	cert := a.Certificate
	if cert.Fingerprint != a.V3Ident {
		t.Errorf("certificate fingerprint %q does not match v3ident %q", cert.Fingerprint, a.V3Ident)
	}
	if !cert.Published.Equal(now) {
		t.Errorf("expected published %v, got %v", now, cert.Published)
	}
	if got := cert.Expires.Sub(cert.Published); got != DefaultCertificateValidity {
		t.Errorf("expected 12 month validity, got %v", got)
	}
	if !strings.HasPrefix(cert.Raw, "dir-key-certificate-version 3\n") {
		t.Errorf("unexpected certificate header: %q", cert.Raw[:40])
	}
	for _, name := range []string{"authority_identity_key", "authority_signing_key", "authority_certificate"} {
		if _, err := os.Stat(filepath.Join(KeysDir(dir), name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}

	t.Run("reuses a valid certificate", func(t *testing.T) {
		again, err := EnsureAuthority(dir, opts)
		if err != nil {
			t.Fatalf("EnsureAuthority: %v", err)
		}
		if again.V3Ident != a.V3Ident || again.Certificate.Raw != cert.Raw {
			t.Error("expected identity and certificate to be reused")
		}
	})

	t.Run("reissues an expired certificate", func(t *testing.T) {
		later := now.Add(DefaultCertificateValidity + time.Hour)
		opts := opts
		opts.Now = func() time.Time { return later }
		renewed, err := EnsureAuthority(dir, opts)
		if err != nil {
			t.Fatalf("EnsureAuthority: %v", err)
		}
		if renewed.V3Ident != a.V3Ident {
			t.Error("expected the identity key to be kept")
		}
		if !renewed.Certificate.Published.Equal(later) {
			t.Errorf("expected a new certificate published at %v, got %v", later, renewed.Certificate.Published)
		}
	})
}

func TestParseCertificateRejectsTampering(t *testing.T) {
	t.Parallel()

	a, err := EnsureAuthority(t.TempDir(), AuthorityOptions{IdentityBits: 1024})
	if err != nil {
		t.Fatalf("EnsureAuthority: %v", err)
	}

	tampered := strings.Replace(a.Certificate.Raw, "dir-key-expires "+a.Certificate.Expires.Format(certTimeLayout),
		"dir-key-expires 2099-01-01 00:00:00", 1)
	if _, err := ParseCertificate(tampered); !errors.Is(err, ErrInvalidCertificate) {
		t.Errorf("expected ErrInvalidCertificate for a modified certificate, got %v", err)
	}
	if _, err := ParseCertificate("dir-key-certificate-version 3\n"); !errors.Is(err, ErrInvalidCertificate) {
		t.Errorf("expected ErrInvalidCertificate for a truncated certificate, got %v", err)
	}
}

func TestEnsureHiddenService(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "hidden_service")
	hs, err := EnsureHiddenService(dir)
	if err != nil {
		t.Fatalf("EnsureHiddenService: %v", err)
	}
	if !IsValidV3Address(hs.Address) {
		t.Errorf("generated address %q is not valid", hs.Address)
	}

	secret, err := os.ReadFile(filepath.Join(dir, "hs_ed25519_secret_key"))
	if err != nil {
		t.Fatalf("read secret key: %v", err)
	}
	if len(secret) != 96 || !strings.HasPrefix(string(secret), "== ed25519v1-secret: type0 ==") {
		t.Errorf("unexpected secret key file layout (%d bytes)", len(secret))
	}

	host, err := ReadHostname(dir)
	if err != nil || host != hs.Address {
		t.Errorf("ReadHostname = %q, %v; want %q", host, err, hs.Address)
	}

	again, err := EnsureHiddenService(dir)
	if err != nil {
		t.Fatalf("EnsureHiddenService again: %v", err)
	}
	if again.Address != hs.Address {
		t.Error("expected the onion address to survive a restart")
	}
}
