package lifecycle

import "context"

// RecordStore 工作区文件持久化。所有操作必须各自幂等：
// 相同入参调用两次产生相同的最终状态。
type RecordStore interface {
	WriteRecordFile(ctx context.Context, path, content string) error
	// ReadRecordFile 第二个返回值表示文件是否存在
	ReadRecordFile(ctx context.Context, path string) (string, bool, error)
	// DeleteRecordFile 文件不存在时不算错误
	DeleteRecordFile(ctx context.Context, path string) error
	MoveRecordFile(ctx context.Context, from, to string) error
}

// IndexStore 记录的关系索引行
type IndexStore interface {
	UpsertIndexRow(ctx context.Context, rec *Record) error
	GetIndexRow(ctx context.Context, id string) (*Record, bool, error)
	DeleteIndexRow(ctx context.Context, id string) error
	SetArchived(ctx context.Context, id string, archived bool) error
}

// VersionControl 版本历史。Commit 返回的 commitRef 存入步骤结果，
// 补偿时 RevertCommit 精确回退这一笔提交。
type VersionControl interface {
	Commit(ctx context.Context, paths []string, message, author string) (string, error)
	RevertCommit(ctx context.Context, commitRef string) error
}

// SearchIndex 全文检索，尽力而为的辅助步骤，失败可独立重试
type SearchIndex interface {
	IndexUpsert(ctx context.Context, rec *Record) error
	IndexRemove(ctx context.Context, id string) error
}

// HookBus 事件发布。只作为 saga 的最后一个正向步骤调用，
// 事件一旦被订阅方看到就无法撤回，因此从不补偿。
type HookBus interface {
	Emit(ctx context.Context, eventName string, payload interface{}) error
}
