package lifecycle

import (
	"context"
	"testing"

	"github.com/spf13/afero"
)

func newTestFileStore() *FileRecordStore {
	return NewFileRecordStore(afero.NewMemMapFs(), "/data/repo")
}

func TestFileRecordStoreWriteRead(t *testing.T) {
	s := newTestFileStore()
	ctx := context.Background()

	if _, exists, err := s.ReadRecordFile(ctx, "records/bylaw-001.md"); err != nil || exists {
		t.Fatalf("read before write: exists=%v err=%v", exists, err)
	}
	if err := s.WriteRecordFile(ctx, "records/bylaw-001.md", "# bylaw"); err != nil {
		t.Fatalf("write: %v", err)
	}
	content, exists, err := s.ReadRecordFile(ctx, "records/bylaw-001.md")
	if err != nil || !exists {
		t.Fatalf("read: exists=%v err=%v", exists, err)
	}
	if content != "# bylaw" {
		t.Fatalf("content = %q", content)
	}
}

func TestFileRecordStoreOverwrite(t *testing.T) {
	s := newTestFileStore()
	ctx := context.Background()

	if err := s.WriteRecordFile(ctx, "records/a.md", "v1"); err != nil {
		t.Fatalf("write v1: %v", err)
	}
	if err := s.WriteRecordFile(ctx, "records/a.md", "v2"); err != nil {
		t.Fatalf("write v2: %v", err)
	}
	content, _, _ := s.ReadRecordFile(ctx, "records/a.md")
	if content != "v2" {
		t.Fatalf("content = %q, want v2", content)
	}
}

func TestFileRecordStoreDeleteIdempotent(t *testing.T) {
	s := newTestFileStore()
	ctx := context.Background()

	if err := s.WriteRecordFile(ctx, "records/a.md", "body"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.DeleteRecordFile(ctx, "records/a.md"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// 再删一次不算错
	if err := s.DeleteRecordFile(ctx, "records/a.md"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, exists, _ := s.ReadRecordFile(ctx, "records/a.md"); exists {
		t.Fatal("file still exists after delete")
	}
}

func TestFileRecordStoreMove(t *testing.T) {
	s := newTestFileStore()
	ctx := context.Background()

	if err := s.WriteRecordFile(ctx, "records/a.md", "body"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.MoveRecordFile(ctx, "records/a.md", "archive/a.md"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, exists, _ := s.ReadRecordFile(ctx, "records/a.md"); exists {
		t.Fatal("source still exists after move")
	}
	content, exists, _ := s.ReadRecordFile(ctx, "archive/a.md")
	if !exists || content != "body" {
		t.Fatalf("target: exists=%v content=%q", exists, content)
	}

	// 重复移动：源不在目标在，视为已完成
	if err := s.MoveRecordFile(ctx, "records/a.md", "archive/a.md"); err != nil {
		t.Fatalf("repeat move: %v", err)
	}
}

func TestFileRecordStoreMoveMissing(t *testing.T) {
	s := newTestFileStore()

	if err := s.MoveRecordFile(context.Background(), "records/ghost.md", "archive/ghost.md"); err == nil {
		t.Fatal("want error moving missing file")
	}
}
