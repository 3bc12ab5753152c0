// Package casestore persists case volumes and mesh blobs in a directory.
//
// Layout under the root:
//
//	volumes/<case>.vol         compressed volume blob
//	info/<case>.json           case summary
//	meshes/<case>/<key>.json   mesh JSON, one file per threshold key
package casestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"dicommesh/internal/models"
	"dicommesh/pkg/logger"
)

var (
	// ErrCaseNotFound is returned for an unknown case id.
	ErrCaseNotFound = errors.New("case not found")

	// ErrCorrupt is returned when a stored blob cannot be decoded.
	ErrCorrupt = errors.New("corrupt blob")

	// ErrInvalidID is returned for ids that are not a single path element.
	ErrInvalidID = errors.New("invalid id")
)

const (
	volumeExt = ".vol"
	meshExt   = ".json"
)

// Store is a directory backed case store. It is safe for concurrent use;
// every write lands atomically through a rename.
type Store struct {
	root     string
	compress Compression
	log      *logger.Logger
}

// New opens (and creates) a store rooted at dir.
func New(dir string, log *logger.Logger) (*Store, error) {
	for _, sub := range []string{"volumes", "info", "meshes"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &Store{root: dir, compress: Zstd, log: logger.OrNop(log)}, nil
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (s *Store) volumePath(caseID string) string {
	return filepath.Join(s.root, "volumes", caseID+volumeExt)
}

func (s *Store) infoPath(caseID string) string {
	return filepath.Join(s.root, "info", caseID+".json")
}

func (s *Store) meshDir(caseID string) string {
	return filepath.Join(s.root, "meshes", caseID)
}

// writeAtomic writes data to a temporary sibling and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// SaveVolume persists the volume of a case.
func (s *Store) SaveVolume(ctx context.Context, caseID string, v *models.Volume) error {
	if err := checkID(caseID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	blob, err := EncodeVolume(v, s.compress)
	if err != nil {
		return fmt.Errorf("failed to encode volume: %w", err)
	}
	if err := writeAtomic(s.volumePath(caseID), blob); err != nil {
		return fmt.Errorf("failed to write volume: %w", err)
	}
	s.log.Debug("volume stored", "case", caseID, "shape", v.Shape(),
		"raw", humanize.Bytes(uint64(2*len(v.Data))), "stored", humanize.Bytes(uint64(len(blob))),
		"compression", s.compress.String())
	return nil
}

// LoadVolume reads the volume of a case.
func (s *Store) LoadVolume(ctx context.Context, caseID string) (*models.Volume, error) {
	if err := checkID(caseID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaseNotFound, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(s.volumePath(caseID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	if err != nil {
		return nil, err
	}
	v, err := DecodeVolume(blob)
	if err != nil {
		return nil, fmt.Errorf("case %s: %w", caseID, err)
	}
	return v, nil
}

// HasCase reports whether a volume is stored for caseID.
func (s *Store) HasCase(caseID string) bool {
	if checkID(caseID) != nil {
		return false
	}
	info, err := os.Stat(s.volumePath(caseID))
	return err == nil && info.Mode().IsRegular()
}

// DeleteCase removes the volume, summary and meshes of a case. Missing
// pieces are not an error; every piece is attempted.
func (s *Store) DeleteCase(caseID string) error {
	if err := checkID(caseID); err != nil {
		return err
	}
	var errs []error
	for _, path := range []string{s.volumePath(caseID), s.infoPath(caseID)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(s.meshDir(caseID)); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to delete case %s: %w", caseID, err)
	}
	s.log.Debug("case deleted", "case", caseID)
	return nil
}

// SaveMesh persists encoded mesh bytes under a threshold key.
func (s *Store) SaveMesh(ctx context.Context, caseID, key string, data []byte) error {
	if err := checkID(caseID); err != nil {
		return err
	}
	if err := checkID(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.meshDir(caseID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, key+meshExt), data); err != nil {
		return fmt.Errorf("failed to write mesh: %w", err)
	}
	s.log.Debug("mesh stored", "case", caseID, "key", key, "size", humanize.Bytes(uint64(len(data))))
	return nil
}

// LoadMesh returns the stored mesh bytes for a threshold key. found is false
// when no mesh was stored under that key.
func (s *Store) LoadMesh(ctx context.Context, caseID, key string) (data []byte, found bool, err error) {
	if err := checkID(caseID); err != nil {
		return nil, false, err
	}
	if err := checkID(key); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err = os.ReadFile(filepath.Join(s.meshDir(caseID), key+meshExt))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// MeshKeys lists the threshold keys with a stored mesh, sorted.
func (s *Store) MeshKeys(caseID string) ([]string, error) {
	if err := checkID(caseID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.meshDir(caseID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, meshExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, meshExt))
	}
	sort.Strings(keys)
	return keys, nil
}

// SaveInfo persists the summary of a case.
func (s *Store) SaveInfo(caseID string, info *models.CaseInfo) error {
	if err := checkID(caseID); err != nil {
		return err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return writeAtomic(s.infoPath(caseID), data)
}

// LoadInfo reads the summary of a case.
func (s *Store) LoadInfo(caseID string) (*models.CaseInfo, error) {
	if err := checkID(caseID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaseNotFound, err)
	}
	data, err := os.ReadFile(s.infoPath(caseID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	if err != nil {
		return nil, err
	}
	var info models.CaseInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &info, nil
}

// ListCases returns the ids of all stored cases, sorted.
func (s *Store) ListCases() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "volumes"))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, volumeExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, volumeExt))
	}
	sort.Strings(ids)
	return ids, nil
}
