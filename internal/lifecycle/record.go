// Package lifecycle 记录生命周期的 saga 定义与外部协作者适配
package lifecycle

// Record 记录的索引视图（不含工作区文件的原始内容归属）
type Record struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Path        string `json:"path"`
	Author      string `json:"author"`
	Archived    bool   `json:"archived"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

// 记录状态
const (
	RecordStatusDraft     = "draft"
	RecordStatusPublished = "published"
	RecordStatusArchived  = "archived"
)

// SagaContext metadata 键
const (
	MetaRecordID = "recordId"
	MetaDraftID  = "draftId"
	MetaTitle    = "title"
	MetaType     = "recordType"
	MetaContent  = "content"
)

// 已注册的 saga 类型名
const (
	SagaPublishDraft  = "PublishDraft"
	SagaCreateRecord  = "CreateRecord"
	SagaUpdateRecord  = "UpdateRecord"
	SagaArchiveRecord = "ArchiveRecord"
)

// 发出的 hook 事件名
const (
	EventRecordPublished = "record:published"
	EventRecordCreated   = "record:created"
	EventRecordUpdated   = "record:updated"
	EventRecordArchived  = "record:archived"
)

func recordPath(id string) string { return "records/" + id + ".md" }
func draftPath(id string) string  { return "drafts/" + id + ".md" }
func archivePath(id string) string {
	return "archive/" + id + ".md"
}
