//go:build windows

package integrity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/breeze-rmm/updater/internal/release"
)

func defaultPlatformChecker() PlatformChecker {
	return AuthenticodeChecker{}
}

var (
	modwintrust                        = windows.NewLazySystemDLL("wintrust.dll")
	procWTHelperProvDataFromStateData  = modwintrust.NewProc("WTHelperProvDataFromStateData")
	procWTHelperGetProvSignerFromChain = modwintrust.NewProc("WTHelperGetProvSignerFromChain")
	procWTHelperGetProvCertFromChain   = modwintrust.NewProc("WTHelperGetProvCertFromChain")
)

// cryptProviderCert mirrors the leading fields of CRYPT_PROVIDER_CERT.
type cryptProviderCert struct {
	size uint32
	cert *windows.CertContext
}

// AuthenticodeChecker validates the embedded Authenticode signature of an
// MSI or EXE through WinVerifyTrust, then requires the leaf signer
// certificate to name the descriptor's publisher and, when given, to match
// its thumbprint. Packages that also carry a detached signature must pass
// both checks.
type AuthenticodeChecker struct{}

func (AuthenticodeChecker) Check(ctx context.Context, path string, sig release.Signature) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return fmt.Errorf("encode path: %w", err)
	}

	fileInfo := &windows.WinTrustFileInfo{
		Size:     uint32(unsafe.Sizeof(windows.WinTrustFileInfo{})),
		FilePath: pathPtr,
	}
	data := &windows.WinTrustData{
		Size:                            uint32(unsafe.Sizeof(windows.WinTrustData{})),
		UIChoice:                        windows.WTD_UI_NONE,
		RevocationChecks:                windows.WTD_REVOKE_NONE,
		UnionChoice:                     windows.WTD_CHOICE_FILE,
		StateAction:                     windows.WTD_STATEACTION_VERIFY,
		FileOrCatalogOrBlobOrSgnrOrCert: unsafe.Pointer(fileInfo),
	}

	verifyErr := windows.WinVerifyTrustEx(windows.InvalidHWND, &windows.WINTRUST_ACTION_GENERIC_VERIFY_V2, data)

	var der []byte
	var signerErr error
	if verifyErr == nil {
		der, signerErr = signerCertificate(data.StateData)
	}

	data.StateAction = windows.WTD_STATEACTION_CLOSE
	if closeErr := windows.WinVerifyTrustEx(windows.InvalidHWND, &windows.WINTRUST_ACTION_GENERIC_VERIFY_V2, data); closeErr != nil {
		log.Debug("WinVerifyTrust state close failed", "error", closeErr)
	}

	if verifyErr != nil {
		return fmt.Errorf("authenticode verification of %s: %w", path, verifyErr)
	}
	if signerErr != nil {
		return fmt.Errorf("authenticode signer of %s: %w", path, signerErr)
	}
	if err := matchSigner(der, sig); err != nil {
		return fmt.Errorf("authenticode signer of %s: %w", path, err)
	}

	if sig.Value != "" {
		return DetachedChecker{}.Check(ctx, path, sig)
	}
	return nil
}

// signerCertificate copies the DER encoding of the primary signer's leaf
// certificate out of the verification state. The state must still be open.
func signerCertificate(state windows.Handle) ([]byte, error) {
	if err := modwintrust.Load(); err != nil {
		return nil, err
	}
	provData, _, _ := procWTHelperProvDataFromStateData.Call(uintptr(state))
	if provData == 0 {
		return nil, errors.New("no provider data in verification state")
	}
	signer, _, _ := procWTHelperGetProvSignerFromChain.Call(provData, 0, 0, 0)
	if signer == 0 {
		return nil, errors.New("no signer in verification state")
	}
	pc, _, _ := procWTHelperGetProvCertFromChain.Call(signer, 0)
	if pc == 0 {
		return nil, errors.New("signer has no certificate")
	}
	cert := (*cryptProviderCert)(unsafe.Pointer(pc)).cert
	if cert == nil || cert.EncodedCert == nil || cert.Length == 0 {
		return nil, errors.New("signer certificate is empty")
	}
	return bytes.Clone(unsafe.Slice(cert.EncodedCert, cert.Length)), nil
}
