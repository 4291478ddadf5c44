package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/justapithecus/safe-run/errcode"
)

// Artifact file names inside <workdir>/artifacts/. Mirrors the names
// the compiler writes into BootSource.KernelImagePath / Rootfs.Path.
const (
	kernelImageName = "vmlinux"
	rootfsImageName = "rootfs.ext4"
)

// resolveArtifactPath implements the spec's artifact resolution order:
// absolute paths are used as-is; relative paths are tried against the
// current working directory first, then the run's workdir.
func resolveArtifactPath(path, workdir string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	if _, err := os.Stat(path); err == nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	candidate := filepath.Join(workdir, path)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", fmt.Errorf("%q not found relative to cwd or workdir %s", path, workdir)
}

// materializeArtifact copies src into <artifactsDir>/<destName>,
// skipping the copy if a file with the same sha256 already exists
// there (idempotent re-entry after a crash mid-prepare), and returns
// the sha256 of the final file content.
func materializeArtifact(src, artifactsDir, destName string) (hash string, err error) {
	resolved := src
	dest := filepath.Join(artifactsDir, destName)

	srcSum, err := sha256File(resolved)
	if err != nil {
		return "", fmt.Errorf("hash source %s: %w", resolved, err)
	}

	if destSum, err := sha256File(dest); err == nil && destSum == srcSum {
		return "sha256:" + srcSum, nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read source %s: %w", resolved, err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	return "sha256:" + srcSum, nil
}

func sha256File(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// materializeVMArtifacts resolves and copies the kernel and rootfs into
// the run's artifacts directory, returning their content hashes.
func materializeVMArtifacts(kernelSrc, rootfsSrc, workdir, artifactsDir string) (kernelHash, rootfsHash string, cerr *errcode.Error) {
	kernelPath, err := resolveArtifactPath(kernelSrc, workdir)
	if err != nil {
		return "", "", errcode.New(errcode.RUN002, "prepare.artifacts.kernel", err.Error())
	}
	rootfsPath, err := resolveArtifactPath(rootfsSrc, workdir)
	if err != nil {
		return "", "", errcode.New(errcode.RUN002, "prepare.artifacts.rootfs", err.Error())
	}

	kernelHash, err = materializeArtifact(kernelPath, artifactsDir, kernelImageName)
	if err != nil {
		return "", "", errcode.New(errcode.RUN002, "prepare.artifacts.kernel", err.Error())
	}
	rootfsHash, err = materializeArtifact(rootfsPath, artifactsDir, rootfsImageName)
	if err != nil {
		return "", "", errcode.New(errcode.RUN002, "prepare.artifacts.rootfs", err.Error())
	}
	return kernelHash, rootfsHash, nil
}
