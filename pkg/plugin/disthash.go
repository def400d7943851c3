package plugin

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/osakka/toolserver/pkg/errors"
)

// DistFile is one file under dist/, relative path and size, used for
// checksum coverage reporting.
type DistFile struct {
	RelPath string
	Size    int64
}

// walkDist lists every regular file under distDir in sorted relative-path
// order (the GLOSSARY's "Dist hash" definition).
func walkDist(distDir string) ([]DistFile, error) {
	var files []DistFile

	err := filepath.Walk(distDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(distDir, path)
		if err != nil {
			return err
		}
		files = append(files, DistFile{RelPath: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// ComputeDistHash computes the deterministic SHA-256 over distDir: files in
// sorted relative-path order, each hashed as path || 0x00 || bytes,
// sequentially, into a single running digest (spec.md §4.5 step 2).
func ComputeDistHash(distDir string) (string, []DistFile, error) {
	files, err := walkDist(distDir)
	if err != nil {
		return "", nil, errors.IO("walk_dist", err)
	}
	if len(files) == 0 {
		return "", nil, errors.Integrity("compute_dist_hash", "dist/ contains zero files")
	}

	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(f.RelPath))
		h.Write([]byte{0x00})
		data, err := os.ReadFile(filepath.Join(distDir, f.RelPath))
		if err != nil {
			return "", nil, errors.IO("read_dist_file", err)
		}
		h.Write(data)
	}

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), files, nil
}

// VerifyDistHash recomputes the dist hash and compares it (constant-time)
// against declared. With strictIntegrity and coverage=="all", every file
// listed by walkDist must also appear, individually hash-verified, in
// checksums.
func VerifyDistHash(distDir string, manifest Manifest, strictIntegrity bool) error {
	computed, files, err := ComputeDistHash(distDir)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(manifest.Dist.Hash)) != 1 {
		return errors.Integrity("verify_dist_hash", fmt.Sprintf("computed %s != declared %s", computed, manifest.Dist.Hash))
	}

	if strictIntegrity && manifest.Dist.Coverage == "all" {
		if manifest.Dist.Checksums == nil {
			return errors.Integrity("verify_dist_hash", "coverage=all requires dist.checksums.files under STRICT_INTEGRITY")
		}
		declared := make(map[string]FileChecksum, len(manifest.Dist.Checksums.Files))
		for _, c := range manifest.Dist.Checksums.Files {
			declared[c.Path] = c
		}
		for _, f := range files {
			checksum, ok := declared[f.RelPath]
			if !ok {
				return errors.Integrity("verify_dist_hash", fmt.Sprintf("file %q missing from checksums under coverage=all", f.RelPath))
			}
			if err := verifyFileChecksum(filepath.Join(distDir, f.RelPath), checksum); err != nil {
				return err
			}
		}
	}

	return nil
}

func verifyFileChecksum(path string, checksum FileChecksum) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.IO("open_dist_file", err)
	}
	defer file.Close()

	if strings.ToLower(checksum.Alg) != "sha256" && checksum.Alg != "" {
		return errors.Integrity("verify_file_checksum", fmt.Sprintf("unsupported checksum algorithm %q", checksum.Alg))
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return errors.IO("hash_dist_file", err)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(actual), []byte(checksum.Value)) != 1 {
		return errors.Integrity("verify_file_checksum", fmt.Sprintf("file %q checksum mismatch", checksum.Path))
	}
	return nil
}
