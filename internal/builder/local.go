package builder

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/forgeworks/specforge/internal/specdoc"
)

// manifestName is the hash listing written at the bundle root. It is
// excluded from its own entries.
const manifestName = "MANIFEST"

// LocalExecutor renders and packages in-process.
type LocalExecutor struct{}

func NewLocalExecutor() *LocalExecutor { return &LocalExecutor{} }

func (e *LocalExecutor) Name() string { return "local" }

func (e *LocalExecutor) GenerateCode(ctx context.Context, doc *specdoc.Document, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("generate code: nil document")
	}
	files, err := renderBundle(doc)
	if err != nil {
		return nil, err
	}
	rels := make([]string, 0, len(files))
	for _, f := range files {
		path := filepath.Join(dir, filepath.FromSlash(f.rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
		if err := os.WriteFile(path, f.data, 0o644); err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
		rels = append(rels, f.rel)
	}
	slog.Info("code generated", "dir", dir, "files", len(rels), "component_spec", doc.Name())
	return rels, nil
}

func (e *LocalExecutor) Package(ctx context.Context, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("package: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("package: %s is not a directory", dir)
	}

	entries, err := writeManifest(dir)
	if err != nil {
		return "", err
	}

	artifact := filepath.Clean(dir) + ".tar.gz"
	if err := writeBundle(artifact, dir, append(entries, manifestName)); err != nil {
		return "", err
	}
	if err := writeChecksumSidecar(artifact); err != nil {
		return "", err
	}

	slog.Info("bundle packaged", "artifact", artifact, "files", len(entries)+1, "executor", e.Name())
	return artifact, nil
}

// bundleEntries lists the regular files under dir as sorted
// slash-separated relative paths, excluding the manifest itself.
func bundleEntries(dir string) ([]string, error) {
	var rels []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("package: %s is not a regular file", path)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == manifestName {
			return nil
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(rels) == 0 {
		return nil, fmt.Errorf("package: %s holds no files", dir)
	}
	sort.Strings(rels)
	return rels, nil
}

// writeManifest hashes every bundle file and writes the listing. The
// manifest is regenerated on every call so a repackage never ships a
// stale line.
func writeManifest(dir string) ([]string, error) {
	entries, err := bundleEntries(dir)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, rel := range entries {
		sum, err := hashFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "sha256  %s  %s\n", sum, rel)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), []byte(b.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return entries, nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// writeBundle archives the listed files. Ownership fields and
// timestamps are fixed so identical inputs produce byte-identical
// bundles.
func writeBundle(artifact, dir string, rels []string) error {
	sort.Strings(rels)

	f, err := os.Create(artifact)
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, rel := range rels {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("bundle %s: %w", rel, err)
		}
		hdr := &tar.Header{
			Name:     rel,
			Mode:     0o644,
			Size:     int64(len(data)),
			ModTime:  time.Unix(0, 0).UTC(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("bundle %s: %w", rel, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("bundle %s: %w", rel, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close bundle: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close bundle: %w", err)
	}
	return f.Close()
}

// writeChecksumSidecar writes the bundle hash next to the artifact in
// sha256sum format.
func writeChecksumSidecar(artifact string) error {
	sum, err := hashFile(artifact)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(artifact))
	if err := os.WriteFile(artifact+".sha256", []byte(line), 0o644); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}
	return nil
}
