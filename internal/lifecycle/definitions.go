package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"

	"github.com/CivicPress/civicpress-sub002/internal/saga"
	perrors "github.com/CivicPress/civicpress-sub002/pkg/errors"
)

// 步骤名
const (
	StepValidate  = "validate"
	StepSnapshot  = "snapshot"
	StepWriteFile = "write-file"
	StepMoveFile  = "move-file"
	StepCommit    = "commit"
	StepIndex     = "index"
	StepSearch    = "search"
	StepEmitHook  = "emit-hook"
)

// Definitions 持有协作者并构造四类生命周期 saga 定义
type Definitions struct {
	records RecordStore
	index   IndexStore
	vcs     VersionControl
	search  SearchIndex
	hooks   HookBus
}

func NewDefinitions(records RecordStore, index IndexStore, vcs VersionControl, search SearchIndex, hooks HookBus) *Definitions {
	return &Definitions{records: records, index: index, vcs: vcs, search: search, hooks: hooks}
}

// RegisterAll 把全部定义注册进注册表，启动时调用一次
func (d *Definitions) RegisterAll(r *saga.Registry) error {
	for _, def := range []*saga.Definition{
		d.publishDraft(),
		d.createRecord(),
		d.updateRecord(),
		d.archiveRecord(),
	} {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// recordResources 同一条记录上的并发 saga 互斥
func recordResources(sc *saga.Context) []string {
	if id := sc.Meta(MetaRecordID); id != "" {
		return []string{"record:" + id}
	}
	return nil
}

// 步骤结果。CommitRef 沿着步骤链向后传递，
// 最后一步把它放进 saga 的最终结果。
type validateResult struct {
	DraftID string `json:"draftId"`
	Content string `json:"content"`
}

type snapshotResult struct {
	Path     string `json:"path"`
	Previous string `json:"previous"`
}

type writeFileResult struct {
	Path     string `json:"path"`
	Existed  bool   `json:"existed"`
	Previous string `json:"previous,omitempty"`
}

type moveFileResult struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type commitResult struct {
	CommitRef string   `json:"commitRef"`
	Paths     []string `json:"paths"`
}

type indexResult struct {
	CommitRef string  `json:"commitRef"`
	Previous  *Record `json:"previous,omitempty"`
}

type searchResult struct {
	CommitRef string  `json:"commitRef"`
	Record    *Record `json:"record,omitempty"`
	Previous  *Record `json:"previous,omitempty"`
}

// RecordOutcome saga 的最终结果，也是 hook 事件的载荷
type RecordOutcome struct {
	RecordID  string `json:"recordId"`
	Path      string `json:"path"`
	Status    string `json:"status"`
	CommitRef string `json:"commitRef"`
	Event     string `json:"event"`
}

func marshalResult(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal step result: %w", err)
	}
	return data, nil
}

func unmarshalResult(data json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal step result: %w", err)
	}
	return nil
}

func buildRecord(sc *saga.Context, status string) *Record {
	id := sc.Meta(MetaRecordID)
	return &Record{
		ID:       id,
		Title:    sc.Meta(MetaTitle),
		Type:     sc.Meta(MetaType),
		Status:   status,
		Path:     recordPath(id),
		Author:   sc.User.Username,
		Archived: status == RecordStatusArchived,
	}
}

// 检索步骤失败可独立重试，对暂时性故障做有限次退避
func (d *Definitions) searchUpsertRetry(ctx context.Context, rec *Record) error {
	return retry.Do(
		func() error { return d.search.IndexUpsert(ctx, rec) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

func (d *Definitions) searchRemoveRetry(ctx context.Context, id string) error {
	return retry.Do(
		func() error { return d.search.IndexRemove(ctx, id) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

// publishDraft 草稿发布：校验草稿 → 写记录文件 → 提交 → 索引行 →
// 检索索引 → 发事件。索引步骤放在持久提交之后，索引短暂落后可接受。
func (d *Definitions) publishDraft() *saga.Definition {
	return &saga.Definition{
		Name:      SagaPublishDraft,
		Resources: recordResources,
		Steps: []saga.Step{
			{
				Name: StepValidate,
				Run: func(ctx context.Context, sc *saga.Context, _ json.RawMessage) (json.RawMessage, error) {
					draftID := sc.Meta(MetaDraftID)
					if draftID == "" {
						return nil, perrors.New(perrors.CodeInvalidParam, "draftId required")
					}
					if sc.Meta(MetaRecordID) == "" {
						return nil, perrors.New(perrors.CodeInvalidParam, "recordId required")
					}
					content, ok, err := d.records.ReadRecordFile(ctx, draftPath(draftID))
					if err != nil {
						return nil, err
					}
					if !ok {
						return nil, perrors.Newf(perrors.CodeDraftNotFound, "draft %s not found", draftID)
					}
					return marshalResult(validateResult{DraftID: draftID, Content: content})
				},
			},
			{
				Name: StepWriteFile,
				Run: func(ctx context.Context, sc *saga.Context, prior json.RawMessage) (json.RawMessage, error) {
					var validated validateResult
					if err := unmarshalResult(prior, &validated); err != nil {
						return nil, err
					}
					path := recordPath(sc.Meta(MetaRecordID))
					previous, existed, err := d.records.ReadRecordFile(ctx, path)
					if err != nil {
						return nil, err
					}
					if err := d.records.WriteRecordFile(ctx, path, validated.Content); err != nil {
						return nil, err
					}
					return marshalResult(writeFileResult{Path: path, Existed: existed, Previous: previous})
				},
				Compensate: func(ctx context.Context, _ *saga.Context, result json.RawMessage) error {
					var written writeFileResult
					if err := unmarshalResult(result, &written); err != nil {
						return err
					}
					if written.Existed {
						return d.records.WriteRecordFile(ctx, written.Path, written.Previous)
					}
					return d.records.DeleteRecordFile(ctx, written.Path)
				},
			},
			d.commitStep(func(sc *saga.Context, prior json.RawMessage) ([]string, string, error) {
				var written writeFileResult
				if err := unmarshalResult(prior, &written); err != nil {
					return nil, "", err
				}
				return []string{written.Path}, "publish " + sc.Meta(MetaRecordID), nil
			}),
			d.indexUpsertStep(RecordStatusPublished),
			d.searchUpsertStep(RecordStatusPublished),
			d.emitStep(EventRecordPublished, RecordStatusPublished),
		},
	}
}

// createRecord 新建记录：目标已存在直接拒绝
func (d *Definitions) createRecord() *saga.Definition {
	return &saga.Definition{
		Name:      SagaCreateRecord,
		Resources: recordResources,
		Steps: []saga.Step{
			{
				Name: StepWriteFile,
				Run: func(ctx context.Context, sc *saga.Context, _ json.RawMessage) (json.RawMessage, error) {
					id := sc.Meta(MetaRecordID)
					if id == "" {
						return nil, perrors.New(perrors.CodeInvalidParam, "recordId required")
					}
					path := recordPath(id)
					if _, exists, err := d.records.ReadRecordFile(ctx, path); err != nil {
						return nil, err
					} else if exists {
						return nil, perrors.Newf(perrors.CodeRecordExists, "record %s already exists", id)
					}
					if err := d.records.WriteRecordFile(ctx, path, sc.Meta(MetaContent)); err != nil {
						return nil, err
					}
					return marshalResult(writeFileResult{Path: path})
				},
				Compensate: func(ctx context.Context, _ *saga.Context, result json.RawMessage) error {
					var written writeFileResult
					if err := unmarshalResult(result, &written); err != nil {
						return err
					}
					return d.records.DeleteRecordFile(ctx, written.Path)
				},
			},
			d.commitStep(func(sc *saga.Context, prior json.RawMessage) ([]string, string, error) {
				var written writeFileResult
				if err := unmarshalResult(prior, &written); err != nil {
					return nil, "", err
				}
				return []string{written.Path}, "create " + sc.Meta(MetaRecordID), nil
			}),
			d.indexUpsertStep(RecordStatusPublished),
			d.searchUpsertStep(RecordStatusPublished),
			d.emitStep(EventRecordCreated, RecordStatusPublished),
		},
	}
}

// updateRecord 更新记录：先快照现状，补偿时写回快照
func (d *Definitions) updateRecord() *saga.Definition {
	return &saga.Definition{
		Name:      SagaUpdateRecord,
		Resources: recordResources,
		Steps: []saga.Step{
			{
				Name: StepSnapshot,
				Run: func(ctx context.Context, sc *saga.Context, _ json.RawMessage) (json.RawMessage, error) {
					id := sc.Meta(MetaRecordID)
					if id == "" {
						return nil, perrors.New(perrors.CodeInvalidParam, "recordId required")
					}
					path := recordPath(id)
					previous, exists, err := d.records.ReadRecordFile(ctx, path)
					if err != nil {
						return nil, err
					}
					if !exists {
						return nil, perrors.Newf(perrors.CodeRecordNotFound, "record %s not found", id)
					}
					return marshalResult(snapshotResult{Path: path, Previous: previous})
				},
			},
			{
				Name: StepWriteFile,
				Run: func(ctx context.Context, sc *saga.Context, prior json.RawMessage) (json.RawMessage, error) {
					var snapshot snapshotResult
					if err := unmarshalResult(prior, &snapshot); err != nil {
						return nil, err
					}
					if err := d.records.WriteRecordFile(ctx, snapshot.Path, sc.Meta(MetaContent)); err != nil {
						return nil, err
					}
					return marshalResult(writeFileResult{Path: snapshot.Path, Existed: true, Previous: snapshot.Previous})
				},
				Compensate: func(ctx context.Context, _ *saga.Context, result json.RawMessage) error {
					var written writeFileResult
					if err := unmarshalResult(result, &written); err != nil {
						return err
					}
					return d.records.WriteRecordFile(ctx, written.Path, written.Previous)
				},
			},
			d.commitStep(func(sc *saga.Context, prior json.RawMessage) ([]string, string, error) {
				var written writeFileResult
				if err := unmarshalResult(prior, &written); err != nil {
					return nil, "", err
				}
				return []string{written.Path}, "update " + sc.Meta(MetaRecordID), nil
			}),
			d.indexUpsertStep(RecordStatusPublished),
			d.searchUpsertStep(RecordStatusPublished),
			d.emitStep(EventRecordUpdated, RecordStatusPublished),
		},
	}
}

// archiveRecord 归档记录：移动文件到归档目录并标记索引
func (d *Definitions) archiveRecord() *saga.Definition {
	return &saga.Definition{
		Name:      SagaArchiveRecord,
		Resources: recordResources,
		Steps: []saga.Step{
			{
				Name: StepMoveFile,
				Run: func(ctx context.Context, sc *saga.Context, _ json.RawMessage) (json.RawMessage, error) {
					id := sc.Meta(MetaRecordID)
					if id == "" {
						return nil, perrors.New(perrors.CodeInvalidParam, "recordId required")
					}
					from, to := recordPath(id), archivePath(id)
					if _, exists, err := d.records.ReadRecordFile(ctx, from); err != nil {
						return nil, err
					} else if !exists {
						if _, moved, _ := d.records.ReadRecordFile(ctx, to); !moved {
							return nil, perrors.Newf(perrors.CodeRecordNotFound, "record %s not found", id)
						}
					}
					if err := d.records.MoveRecordFile(ctx, from, to); err != nil {
						return nil, err
					}
					return marshalResult(moveFileResult{From: from, To: to})
				},
				Compensate: func(ctx context.Context, _ *saga.Context, result json.RawMessage) error {
					var moved moveFileResult
					if err := unmarshalResult(result, &moved); err != nil {
						return err
					}
					// 正向动作可能没走完，目标不在就无需回移
					if _, exists, err := d.records.ReadRecordFile(ctx, moved.To); err != nil {
						return err
					} else if !exists {
						return nil
					}
					return d.records.MoveRecordFile(ctx, moved.To, moved.From)
				},
			},
			d.commitStep(func(sc *saga.Context, prior json.RawMessage) ([]string, string, error) {
				var moved moveFileResult
				if err := unmarshalResult(prior, &moved); err != nil {
					return nil, "", err
				}
				return []string{moved.From, moved.To}, "archive " + sc.Meta(MetaRecordID), nil
			}),
			{
				Name: StepIndex,
				Run: func(ctx context.Context, sc *saga.Context, prior json.RawMessage) (json.RawMessage, error) {
					var committed commitResult
					if err := unmarshalResult(prior, &committed); err != nil {
						return nil, err
					}
					id := sc.Meta(MetaRecordID)
					// 先快照归档前的行，搜索步骤的补偿要用未打标的版本
					previous, _, err := d.index.GetIndexRow(ctx, id)
					if err != nil {
						return nil, err
					}
					if err := d.index.SetArchived(ctx, id, true); err != nil {
						return nil, err
					}
					return marshalResult(indexResult{CommitRef: committed.CommitRef, Previous: previous})
				},
				Compensate: func(ctx context.Context, sc *saga.Context, _ json.RawMessage) error {
					return d.index.SetArchived(ctx, sc.Meta(MetaRecordID), false)
				},
			},
			{
				Name: StepSearch,
				Run: func(ctx context.Context, sc *saga.Context, prior json.RawMessage) (json.RawMessage, error) {
					var indexed indexResult
					if err := unmarshalResult(prior, &indexed); err != nil {
						return nil, err
					}
					if err := d.searchRemoveRetry(ctx, sc.Meta(MetaRecordID)); err != nil {
						return nil, err
					}
					return marshalResult(searchResult{CommitRef: indexed.CommitRef, Previous: indexed.Previous})
				},
				Compensate: func(ctx context.Context, _ *saga.Context, result json.RawMessage) error {
					var removed searchResult
					if err := unmarshalResult(result, &removed); err != nil {
						return err
					}
					if removed.Previous == nil {
						return nil
					}
					return d.searchUpsertRetry(ctx, removed.Previous)
				},
			},
			d.emitStep(EventRecordArchived, RecordStatusArchived),
		},
	}
}

// commitStep 提交步骤，入参函数从上一步结果取出待提交路径与提交信息
func (d *Definitions) commitStep(plan func(sc *saga.Context, prior json.RawMessage) ([]string, string, error)) saga.Step {
	return saga.Step{
		Name: StepCommit,
		Run: func(ctx context.Context, sc *saga.Context, prior json.RawMessage) (json.RawMessage, error) {
			paths, message, err := plan(sc, prior)
			if err != nil {
				return nil, err
			}
			ref, err := d.vcs.Commit(ctx, paths, message, sc.User.Username)
			if err != nil {
				return nil, err
			}
			return marshalResult(commitResult{CommitRef: ref, Paths: paths})
		},
		Compensate: func(ctx context.Context, _ *saga.Context, result json.RawMessage) error {
			var committed commitResult
			if err := unmarshalResult(result, &committed); err != nil {
				return err
			}
			return d.vcs.RevertCommit(ctx, committed.CommitRef)
		},
	}
}

func (d *Definitions) indexUpsertStep(status string) saga.Step {
	return saga.Step{
		Name: StepIndex,
		Run: func(ctx context.Context, sc *saga.Context, prior json.RawMessage) (json.RawMessage, error) {
			var committed commitResult
			if err := unmarshalResult(prior, &committed); err != nil {
				return nil, err
			}
			rec := buildRecord(sc, status)
			previous, _, err := d.index.GetIndexRow(ctx, rec.ID)
			if err != nil {
				return nil, err
			}
			if err := d.index.UpsertIndexRow(ctx, rec); err != nil {
				return nil, err
			}
			return marshalResult(indexResult{CommitRef: committed.CommitRef, Previous: previous})
		},
		Compensate: func(ctx context.Context, sc *saga.Context, result json.RawMessage) error {
			var indexed indexResult
			if err := unmarshalResult(result, &indexed); err != nil {
				return err
			}
			if indexed.Previous != nil {
				return d.index.UpsertIndexRow(ctx, indexed.Previous)
			}
			return d.index.DeleteIndexRow(ctx, sc.Meta(MetaRecordID))
		},
	}
}

func (d *Definitions) searchUpsertStep(status string) saga.Step {
	return saga.Step{
		Name: StepSearch,
		Run: func(ctx context.Context, sc *saga.Context, prior json.RawMessage) (json.RawMessage, error) {
			var indexed indexResult
			if err := unmarshalResult(prior, &indexed); err != nil {
				return nil, err
			}
			rec := buildRecord(sc, status)
			if err := d.searchUpsertRetry(ctx, rec); err != nil {
				return nil, err
			}
			return marshalResult(searchResult{CommitRef: indexed.CommitRef, Record: rec, Previous: indexed.Previous})
		},
		Compensate: func(ctx context.Context, sc *saga.Context, result json.RawMessage) error {
			var upserted searchResult
			if err := unmarshalResult(result, &upserted); err != nil {
				return err
			}
			if upserted.Previous != nil {
				return d.searchUpsertRetry(ctx, upserted.Previous)
			}
			return d.searchRemoveRetry(ctx, sc.Meta(MetaRecordID))
		},
	}
}

// emitStep saga 的最后一个正向步骤：发布 hook 事件并返回最终结果。
// 事件从不补偿，所以必须排在全部可补偿副作用之后。
func (d *Definitions) emitStep(event, status string) saga.Step {
	return saga.Step{
		Name: StepEmitHook,
		Run: func(ctx context.Context, sc *saga.Context, prior json.RawMessage) (json.RawMessage, error) {
			var searched searchResult
			if err := unmarshalResult(prior, &searched); err != nil {
				return nil, err
			}
			id := sc.Meta(MetaRecordID)
			path := recordPath(id)
			if status == RecordStatusArchived {
				path = archivePath(id)
			}
			outcome := RecordOutcome{
				RecordID:  id,
				Path:      path,
				Status:    status,
				CommitRef: searched.CommitRef,
				Event:     event,
			}
			if err := d.hooks.Emit(ctx, event, outcome); err != nil {
				return nil, err
			}
			return marshalResult(outcome)
		},
	}
}
