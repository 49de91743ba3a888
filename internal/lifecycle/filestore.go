package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// FileRecordStore 基于 afero 的工作区文件存储，
// 生产用 OsFs，测试用 MemMapFs
type FileRecordStore struct {
	fs   afero.Fs
	root string
}

func NewFileRecordStore(fs afero.Fs, root string) *FileRecordStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileRecordStore{fs: fs, root: root}
}

func (s *FileRecordStore) abs(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

func (s *FileRecordStore) WriteRecordFile(_ context.Context, path, content string) error {
	full := s.abs(path)
	if err := s.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	if err := afero.WriteFile(s.fs, full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write record file %s: %w", path, err)
	}
	return nil
}

func (s *FileRecordStore) ReadRecordFile(_ context.Context, path string) (string, bool, error) {
	data, err := afero.ReadFile(s.fs, s.abs(path))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read record file %s: %w", path, err)
	}
	return string(data), true, nil
}

func (s *FileRecordStore) DeleteRecordFile(_ context.Context, path string) error {
	err := s.fs.Remove(s.abs(path))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete record file %s: %w", path, err)
	}
	return nil
}

func (s *FileRecordStore) MoveRecordFile(_ context.Context, from, to string) error {
	src, dst := s.abs(from), s.abs(to)

	if exists, _ := afero.Exists(s.fs, src); !exists {
		// 源不在而目标在：上一次调用已经完成移动
		if moved, _ := afero.Exists(s.fs, dst); moved {
			return nil
		}
		return fmt.Errorf("move record file: %s does not exist", from)
	}
	if err := s.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", to, err)
	}
	if err := s.fs.Rename(src, dst); err != nil {
		return fmt.Errorf("move record file %s -> %s: %w", from, to, err)
	}
	return nil
}
