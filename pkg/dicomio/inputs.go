package dicomio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Input is one candidate slice: a name for logs and a way to open it.
type Input struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// FileInput returns an Input backed by a file on disk.
func FileInput(path string) (Input, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Input{}, err
	}
	return Input{
		Name: path,
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// BytesInput returns an Input over an in-memory buffer.
func BytesInput(name string, data []byte) Input {
	return Input{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

// CollectDir walks dir recursively and returns every regular file as an
// Input, in lexical path order.
func CollectDir(dir string) ([]Input, error) {
	var inputs []Input
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		in, err := FileInput(path)
		if err != nil {
			return err
		}
		inputs = append(inputs, in)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return inputs, nil
}

// checkEntryName rejects archive entry names that are absolute or contain a
// ".." element. Backslashes count as separators.
func checkEntryName(name string) error {
	n := strings.ReplaceAll(name, "\\", "/")
	if path.IsAbs(n) || (len(n) > 1 && n[1] == ':') {
		return fmt.Errorf("%w: %s", ErrUnsafeArchivePath, name)
	}
	for _, elem := range strings.Split(n, "/") {
		if elem == ".." {
			return fmt.Errorf("%w: %s", ErrUnsafeArchivePath, name)
		}
	}
	return nil
}

// ZipInputs exposes every file entry of an in-memory archive as an Input.
// Entries are read lazily from data. An unsafe entry name fails the whole
// archive with ErrUnsafeArchivePath.
func ZipInputs(data []byte) ([]Input, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("%w: %v", ErrUnsafeArchivePath, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	var inputs []Input
	for _, f := range zr.File {
		if err := checkEntryName(f.Name); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		inputs = append(inputs, Input{
			Name: f.Name,
			Size: int64(f.UncompressedSize64),
			Open: func() (io.ReadCloser, error) { return f.Open() },
		})
	}
	return inputs, nil
}

// ExtractZip unpacks the archive at path into dest and returns the paths of
// the extracted files in archive order. Entries that would land outside dest
// are rejected.
func ExtractZip(path, dest string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if errors.Is(err, zip.ErrInsecurePath) {
		zr.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnsafeArchivePath, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer zr.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, f := range zr.File {
		if err := checkEntryName(f.Name); err != nil {
			return nil, err
		}
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return nil, fmt.Errorf("%w: %s", ErrUnsafeArchivePath, f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return nil, err
		}
		if err := extractFile(f, target); err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
		paths = append(paths, target)
	}
	return paths, nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
