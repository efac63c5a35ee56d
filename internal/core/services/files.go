package services

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/google/uuid"
)

const (
	ManifestFile    = "files.json"
	BatchScriptExt  = ".sbatch"
	archiveTempName = ".archive.tmp"
)

// internalFiles are DRM bookkeeping files hidden from regular users.
var internalFiles = map[string]struct{}{
	"log.o": {},
	"log.e": {},
}

type FileManagerConfig struct {
	OutputDir string
	Logger    *logger.Logger
}

// FileManager owns the per-task working directories under OutputDir.
type FileManager struct {
	root   string
	logger *logger.Logger
}

func NewFileManager(cfg FileManagerConfig) *FileManager {
	return &FileManager{
		root:   cfg.OutputDir,
		logger: cfg.Logger,
	}
}

func (m *FileManager) Root() string {
	return m.root
}

func (m *FileManager) TaskDir(id uuid.UUID) string {
	return filepath.Join(m.root, id.String())
}

// CreateTaskDir creates the working directory of a root task. It is a no-op
// when the directory already exists.
func (m *FileManager) CreateTaskDir(id uuid.UUID) (string, error) {
	dir := m.TaskDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.logger.Errorw("files_mkdir_failed", "dir", dir, "error", err)
		return "", fmt.Errorf("%w: %v", ErrTaskWorkdirFailed, err)
	}
	return dir, nil
}

// RemoveTaskDir deletes the directory named after id. A missing directory is
// not an error.
func (m *FileManager) RemoveTaskDir(id uuid.UUID) error {
	dir := m.TaskDir(id)
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warnw("files_remove_failed", "dir", dir, "error", err)
		return err
	}
	m.logger.Infow("files_remove_ok", "dir", dir)
	return nil
}

// RemoveFiles drops individual files, ignoring the ones already gone.
func (m *FileManager) RemoveFiles(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			m.logger.Warnw("files_remove_failed", "path", p, "error", err)
		}
	}
}

// SaveUpload copies an uploaded file into dir under name and returns the
// written path.
func (m *FileManager) SaveUpload(dir, name string, up ports.Upload) (string, error) {
	src, err := up.Open()
	if err != nil {
		return "", fmt.Errorf("open upload %s: %w", up.Filename, err)
	}
	defer src.Close()

	path := filepath.Join(dir, name)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return path, fmt.Errorf("write %s: %w", path, err)
	}
	return path, dst.Close()
}

// AppendManifest appends one renamed->original mapping object to the
// directory manifest. Earlier entries are never rewritten.
func (m *FileManager) AppendManifest(dir string, renamed map[string]string) error {
	if len(renamed) == 0 {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, ManifestFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(renamed); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// List returns the files below dir as slash separated relative paths.
// DRM log files and batch scripts are left out when hideInternal is set.
func (m *FileManager) List(dir string, hideInternal bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == archiveTempName {
			return nil
		}
		if hideInternal && isInternalFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func isInternalFile(name string) bool {
	if _, ok := internalFiles[name]; ok {
		return true
	}
	return strings.HasSuffix(name, BatchScriptExt)
}

// Resolve maps a relative name returned by List back to a path inside dir.
func (m *FileManager) Resolve(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrTaskOutputNotFound
	}
	path := filepath.Join(dir, clean)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", ErrTaskOutputNotFound
	}
	return path, nil
}

// Archive returns <dir>/<id>.zip, creating it from the directory tree when it
// does not exist yet.
func (m *FileManager) Archive(dir string, id uuid.UUID) (string, error) {
	target := archivePath(dir, id)
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}
	tmp := filepath.Join(dir, archiveTempName)
	if err := zipDir(dir, tmp, target); err != nil {
		os.Remove(tmp)
		m.logger.Errorw("files_archive_failed", "dir", dir, "error", err)
		return "", err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", err
	}
	m.logger.Infow("files_archive_ok", "archive", target)
	return target, nil
}

func zipDir(dir, tmp, target string) error {
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir || path == tmp || path == target {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			header.Name += "/"
			_, err = zw.CreateHeader(header)
			return err
		}
		header.Method = zip.Deflate
		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if walkErr != nil {
		zw.Close()
		out.Close()
		return walkErr
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func archivePath(dir string, id uuid.UUID) string {
	return filepath.Join(dir, id.String()+".zip")
}
