package pluginmanager

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/odin-run/odin/internal/errcode"
)

// SourceKind is the closed set of bundle source variants.
type SourceKind string

const (
	SourceLocalPath SourceKind = "local-path"
	SourceGitRef    SourceKind = "git-ref"
	SourceArtifact  SourceKind = "artifact"
)

// Source describes where to obtain a plugin bundle before install.
type Source struct {
	Kind SourceKind
	// Path is the local filesystem path for local-path and artifact
	// sources, or "<repo>#<ref>" for git-ref sources.
	Path string
}

// ParseSource classifies a source string into its SourceKind, per the
// "<repo>#<ref>" git-ref grammar and the .tar.gz/.tgz artifact suffix.
func ParseSource(s string) Source {
	if strings.Contains(s, "#") && (strings.HasPrefix(s, "http") || strings.HasSuffix(before(s, "#"), ".git")) {
		return Source{Kind: SourceGitRef, Path: s}
	}
	if strings.HasSuffix(s, ".tar.gz") || strings.HasSuffix(s, ".tgz") {
		return Source{Kind: SourceArtifact, Path: s}
	}
	return Source{Kind: SourceLocalPath, Path: s}
}

func before(s, sep string) string {
	if i := strings.Index(s, sep); i >= 0 {
		return s[:i]
	}
	return s
}

// resolve materializes a Source into a local directory under destDir,
// returning the resolved bundle path.
func resolve(src Source, destDir string) (string, error) {
	switch src.Kind {
	case SourceLocalPath:
		return src.Path, nil
	case SourceArtifact:
		if fi, err := os.Stat(src.Path); err == nil && fi.IsDir() {
			return src.Path, nil
		}
		return extractArchive(src.Path, destDir)
	case SourceGitRef:
		repo, ref, _ := strings.Cut(src.Path, "#")
		return shallowCloneRef(repo, ref, destDir)
	default:
		return "", errcode.New(errcode.ManifestInvalid, "unknown source kind")
	}
}

func extractArchive(archivePath, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", errcode.Wrap(errcode.QueueIOError, "creating plugin extraction directory", err)
	}
	cmd := exec.Command("tar", "-xzf", archivePath, "-C", destDir)
	if err := cmd.Run(); err != nil {
		return "", errcode.Wrap(errcode.ManifestInvalid, "failed to extract plugin archive", err)
	}
	return destDir, nil
}

func shallowCloneRef(repo, ref, destDir string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return "", errcode.Wrap(errcode.QueueIOError, "creating plugin clone directory", err)
	}
	cmd := exec.Command("git", "clone", "--depth", "1", "--branch", ref, repo, destDir)
	if err := cmd.Run(); err != nil {
		return "", errcode.Wrap(errcode.ManifestInvalid, "failed to shallow-clone plugin source", err)
	}
	return destDir, nil
}

// InstallOptions configures one Install call.
type InstallOptions struct {
	RequireSignature bool
	CoreVersion      string // running core's own semver, e.g. "v1.0.0"
	PluginsRoot      string
	Verifier         Verifier
}

// Install runs the strict, fail-closed pipeline: resolve → checksum →
// signature (if required) → manifest schema → core-version
// compatibility → audit + register. Any step failing aborts the whole
// install; no partial state is registered.
func (mgr *Manager) Install(src Source, opts InstallOptions) (Manifest, error) {
	workDir, err := os.MkdirTemp("", "odin-plugin-install-*")
	if err != nil {
		return Manifest{}, errcode.Wrap(errcode.QueueIOError, "creating install workdir", err)
	}
	defer os.RemoveAll(workDir)

	bundlePath, err := resolve(src, workDir)
	if err != nil {
		mgr.emitInstallFailed(src, err)
		return Manifest{}, err
	}

	manifestPath := filepath.Join(bundlePath, "manifest.yaml")
	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		e := errcode.Wrap(errcode.ManifestInvalid, "could not read manifest.yaml", err)
		mgr.emitInstallFailed(src, e)
		return Manifest{}, e
	}
	m, err := ParseManifest(manifestBytes)
	if err != nil {
		mgr.emitInstallFailed(src, err)
		return Manifest{}, err
	}

	if err := verifyChecksum(bundlePath, m.Distribution.Integrity.ChecksumSHA256); err != nil {
		mgr.emitInstallFailed(src, err)
		return Manifest{}, err
	}

	if m.Signing.Required || opts.RequireSignature {
		sigPath := filepath.Join(bundlePath, "manifest.sig")
		pubKeyPath := filepath.Join(bundlePath, "manifest.pub")
		if err := opts.Verifier.VerifySignature(m.Signing.Method, bundlePath, sigPath, pubKeyPath); err != nil {
			mgr.emitInstallFailed(src, err)
			return Manifest{}, err
		}
	}

	m, err = ParseManifest(manifestBytes)
	if err != nil {
		mgr.emitInstallFailed(src, err)
		return Manifest{}, err
	}

	if !coreVersionCompatible(m.Compatibility.CoreVersion, opts.CoreVersion) {
		e := errcode.New(errcode.IncompatibleCoreVersion, fmt.Sprintf(
			"plugin requires core %s, running core is %s", m.Compatibility.CoreVersion, opts.CoreVersion))
		mgr.emitInstallFailed(src, e)
		return Manifest{}, e
	}

	destDir := filepath.Join(opts.PluginsRoot, m.Name)
	if err := copyTree(bundlePath, destDir); err != nil {
		e := errcode.Wrap(errcode.QueueIOError, "failed to persist plugin bundle", err)
		mgr.emitInstallFailed(src, e)
		return Manifest{}, e
	}

	mgr.register(m, destDir)
	if mgr.Audit != nil {
		_, _ = mgr.Audit.Emit("plugin.installed", "runtime", "", map[string]interface{}{
			"plugin":  m.Name,
			"version": m.Version,
		})
	}
	return m, nil
}

func (mgr *Manager) emitInstallFailed(src Source, err error) {
	if mgr.Audit == nil {
		return
	}
	code := errcode.ManifestInvalid
	if e, ok := err.(*errcode.Error); ok {
		code = e.Code
	}
	_, _ = mgr.Audit.Emit("plugin.install_failed", "runtime", "", map[string]interface{}{
		"source":     src.Path,
		"error_code": string(code),
	})
}

// coreVersionCompatible treats the manifest's declared core_version as
// a minimum-compatible version: running >= declared, same major.
func coreVersionCompatible(declared, running string) bool {
	declared = normalizeSemver(declared)
	running = normalizeSemver(running)
	if !semver.IsValid(declared) || !semver.IsValid(running) {
		return false
	}
	if semver.Major(declared) != semver.Major(running) {
		return false
	}
	return semver.Compare(running, declared) >= 0
}

func normalizeSemver(v string) string {
	if v == "" {
		return v
	}
	if v[0] != 'v' {
		return "v" + v
	}
	return v
}

func copyTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}
