package install

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedArchive is returned for archive types Extract does not handle.
var ErrUnsupportedArchive = errors.New("unsupported archive type")

// Extract expands archivePath into destDir, creating destDir when absent.
// Zip archives keep their internal layout; gzip tarballs have their single
// top-level directory stripped. Corrupt input yields an error, never a panic.
func Extract(archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", destDir, err)
	}
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(archivePath, destDir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarGz(archivePath, destDir)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedArchive, filepath.Base(archivePath))
	}
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()
	for _, f := range r.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case mode&os.ModeSymlink != 0:
			rc, err := f.Open()
			if err != nil {
				return err
			}
			link, err := io.ReadAll(io.LimitReader(rc, 4096))
			_ = rc.Close()
			if err != nil {
				return err
			}
			if err := writeSymlink(destDir, target, string(link)); err != nil {
				return err
			}
		default:
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("open %s: %w", f.Name, err)
			}
			err = writeFile(target, rc, mode.Perm())
			_ = rc.Close()
			if err != nil {
				return fmt.Errorf("extract %s: %w", f.Name, err)
			}
		}
	}
	return nil
}

func extractTarGz(archivePath, destDir string) error {
	prefix, err := singleTopDir(archivePath)
	if err != nil {
		return err
	}
	return walkTarGz(archivePath, func(hdr *tar.Header, r io.Reader) error {
		name := cleanName(hdr.Name)
		if prefix != "" {
			if name+"/" == prefix {
				return nil
			}
			name = strings.TrimPrefix(name, prefix)
		}
		if name == "" {
			return nil
		}
		target, err := safeJoin(destDir, name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(target, 0o755)
		case tar.TypeReg:
			return writeFile(target, r, os.FileMode(hdr.Mode).Perm())
		case tar.TypeSymlink:
			return writeSymlink(destDir, target, hdr.Linkname)
		default:
			return nil
		}
	})
}

// singleTopDir returns "<dir>/" when every entry lives under one top-level
// directory, or "" otherwise.
func singleTopDir(archivePath string) (string, error) {
	top := ""
	mixed := false
	err := walkTarGz(archivePath, func(hdr *tar.Header, _ io.Reader) error {
		name := cleanName(hdr.Name)
		if name == "" {
			return nil
		}
		first, _, nested := strings.Cut(name, "/")
		if !nested && hdr.Typeflag != tar.TypeDir {
			mixed = true
			return nil
		}
		if top == "" {
			top = first
		} else if top != first {
			mixed = true
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if mixed || top == "" {
		return "", nil
	}
	return top + "/", nil
}

func walkTarGz(archivePath string, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		// pax_global_header carries no file
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

func cleanName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	return strings.TrimSuffix(name, "/")
}

// safeJoin joins name under root and rejects entries escaping it.
func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(cleanName(name)))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return target, nil
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func writeSymlink(root, target, link string) error {
	resolved := link
	if !filepath.IsAbs(link) {
		resolved = filepath.Join(filepath.Dir(target), link)
	}
	if _, err := safeJoin(root, mustRel(root, resolved)); err != nil {
		return fmt.Errorf("symlink %s escapes destination", target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	_ = os.Remove(target)
	return os.Symlink(link, target)
}

func mustRel(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return ".."
	}
	return filepath.ToSlash(rel)
}
