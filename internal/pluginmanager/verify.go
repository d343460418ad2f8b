package pluginmanager

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/odin-run/odin/internal/errcode"
)

// manifestSideFiles are excluded from the checksum: the manifest
// declares the bundle's checksum, so it cannot be part of what the
// checksum covers, and the detached signature/public-key files sit
// alongside the payload rather than inside it.
var manifestSideFiles = map[string]bool{
	"manifest.yaml": true,
	"manifest.sig":  true,
	"manifest.pub":  true,
}

// sha256Dir computes the combined SHA-256 of every regular payload file
// under root (excluding the manifest and its signature siblings), in
// sorted path order, the same scope a tar.gz or directory bundle
// presents to the checksum gate.
func sha256Dir(root string) (string, error) {
	h := sha256.New()
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && !manifestSideFiles[filepath.Base(path)] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	for _, f := range files {
		r, err := os.Open(f)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, r)
		r.Close()
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifyChecksum enforces that install succeeds only if
// SHA256(bundle) == manifest.checksum_sha256.
func verifyChecksum(bundlePath, want string) error {
	got, err := sha256Dir(bundlePath)
	if err != nil {
		return errcode.Wrap(errcode.QueueIOError, "failed to hash plugin bundle", err)
	}
	if got != want {
		return errcode.New(errcode.ChecksumMismatch, "bundle checksum does not match manifest").
			WithDetails(map[string]interface{}{"expected": want, "actual": got})
	}
	return nil
}

// Verifier runs external signature-verification tools. A missing tool
// binary when a signature is required is treated as signature_invalid,
// the stricter of the two possible readings.
type Verifier struct {
	MinisignPath string
	CosignPath   string
}

// VerifySignature verifies a detached signature using the declared
// method.
func (v Verifier) VerifySignature(method, bundlePath, sigPath, pubKeyPath string) error {
	switch method {
	case "none":
		return errcode.New(errcode.SignatureRequiredButNone, "signing.method is none but a signature was required")
	case "minisign":
		return v.run(v.MinisignPath, "-Vm", bundlePath, "-x", sigPath, "-p", pubKeyPath)
	case "sigstore":
		return v.run(v.CosignPath, "verify-blob", "--signature", sigPath, "--key", pubKeyPath, bundlePath)
	default:
		return errcode.New(errcode.ManifestInvalid, "unknown signing method: "+method)
	}
}

func (v Verifier) run(bin string, args ...string) error {
	if bin == "" {
		return errcode.New(errcode.SignatureInvalid, "no signature-verification tool configured")
	}
	if _, err := exec.LookPath(bin); err != nil {
		return errcode.Wrap(errcode.SignatureInvalid, "signature-verification tool not found: "+bin, err)
	}
	cmd := exec.Command(bin, args...)
	if err := cmd.Run(); err != nil {
		return errcode.Wrap(errcode.SignatureInvalid, "signature verification failed", err)
	}
	return nil
}
