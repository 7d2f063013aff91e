package integrity

import (
	"context"
	"crypto/ed25519"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/blake2s"

	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/release"
)

var log = logging.L("integrity")

// PlatformChecker performs the OS-level signature check on a package file.
type PlatformChecker interface {
	Check(ctx context.Context, path string, sig release.Signature) error
}

// Verifier checks package signatures against a trusted-publisher allow-list.
type Verifier struct {
	platform PlatformChecker
	now      func() time.Time
}

// NewVerifier returns a Verifier using the platform's native checker.
func NewVerifier() *Verifier {
	return &Verifier{platform: defaultPlatformChecker(), now: time.Now}
}

// NewVerifierWith returns a Verifier backed by the given checker. A nil clock
// means time.Now.
func NewVerifierWith(platform PlatformChecker, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{platform: platform, now: now}
}

// VerifySignature fails closed: any missing input, untrusted publisher,
// signing time outside the validity window or platform failure yields false.
func (v *Verifier) VerifySignature(ctx context.Context, path string, sig *release.Signature, trustedPublishers []string) bool {
	if err := v.Verify(ctx, path, sig, trustedPublishers); err != nil {
		log.Warn("signature verification failed", "path", path, "error", err)
		return false
	}
	return true
}

// Verify is VerifySignature with the failure reason.
func (v *Verifier) Verify(ctx context.Context, path string, sig *release.Signature, trustedPublishers []string) error {
	if sig == nil {
		return errors.New("package carries no signature")
	}
	if !isTrustedPublisher(sig.Publisher, trustedPublishers) {
		return fmt.Errorf("publisher %q is not trusted", sig.Publisher)
	}

	at := sig.SignedAt
	if at.IsZero() {
		at = v.now()
	}
	if !sig.ValidFrom.IsZero() && at.Before(sig.ValidFrom) {
		return fmt.Errorf("signing time %s is before certificate validity %s", at.Format(time.RFC3339), sig.ValidFrom.Format(time.RFC3339))
	}
	if sig.ValidTo.IsZero() || at.After(sig.ValidTo) {
		return fmt.Errorf("signing time %s is after certificate expiry %s", at.Format(time.RFC3339), sig.ValidTo.Format(time.RFC3339))
	}

	if v.platform == nil {
		return errors.New("no platform signature checker available")
	}
	if err := v.platform.Check(ctx, path, *sig); err != nil {
		return fmt.Errorf("platform check: %w", err)
	}
	return nil
}

func isTrustedPublisher(publisher string, trusted []string) bool {
	p := strings.TrimSpace(publisher)
	if p == "" {
		return false
	}
	for _, t := range trusted {
		if strings.EqualFold(strings.TrimSpace(t), p) {
			return true
		}
	}
	return false
}

// matchSigner ties an Authenticode leaf certificate to the descriptor: its
// display name must equal the publisher, and a thumbprint, when present,
// must be the certificate's SHA-1 or SHA-256 fingerprint. With a detached
// signature the thumbprint belongs to the detached key instead.
func matchSigner(der []byte, sig release.Signature) error {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse signer certificate: %w", err)
	}
	name := displayName(cert)
	if name == "" || !strings.EqualFold(name, strings.TrimSpace(sig.Publisher)) {
		return fmt.Errorf("signed by %q, descriptor names %q", name, sig.Publisher)
	}

	want := strings.TrimSpace(sig.Thumbprint)
	if want == "" || sig.Value != "" {
		return nil
	}
	var got string
	switch len(want) {
	case 2 * sha1.Size:
		sum := sha1.Sum(der)
		got = hex.EncodeToString(sum[:])
	case 2 * sha256.Size:
		sum := sha256.Sum256(der)
		got = hex.EncodeToString(sum[:])
	default:
		return fmt.Errorf("thumbprint %q is neither SHA-1 nor SHA-256", want)
	}
	if !strings.EqualFold(got, want) {
		return errors.New("signer certificate does not match thumbprint")
	}
	return nil
}

// displayName follows CERT_NAME_SIMPLE_DISPLAY_TYPE: the common name, else
// the first organization.
func displayName(cert *x509.Certificate) string {
	if cn := strings.TrimSpace(cert.Subject.CommonName); cn != "" {
		return cn
	}
	for _, o := range cert.Subject.Organization {
		if o = strings.TrimSpace(o); o != "" {
			return o
		}
	}
	return ""
}

// DetachedChecker verifies an ed25519 signature over the BLAKE2s-256 digest
// of the package. The descriptor thumbprint must be the hex SHA-256 of the
// public key, binding the key to the publisher entry the authority issued.
type DetachedChecker struct{}

func (DetachedChecker) Check(ctx context.Context, path string, sig release.Signature) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sig.Value == "" || sig.PublicKey == "" {
		return errors.New("detached signature or public key missing")
	}

	pub, err := base64.StdEncoding.DecodeString(sig.PublicKey)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key has %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	if want := strings.TrimSpace(sig.Thumbprint); want != "" {
		sum := sha256.Sum256(pub)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), want) {
			return errors.New("public key does not match thumbprint")
		}
	}

	signature, err := base64.StdEncoding.DecodeString(sig.Value)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	digest, err := blake2sFile(path)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), digest, signature) {
		return errors.New("signature does not match package contents")
	}
	return nil
}

// DigestForSigning returns the message a publisher signs for path.
func DigestForSigning(path string) ([]byte, error) {
	return blake2sFile(path)
}

func blake2sFile(path string) ([]byte, error) {
	h, err := blake2s.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("init blake2s: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}
