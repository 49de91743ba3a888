package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/CivicPress/civicpress-sub002/internal/idempotency"
	"github.com/CivicPress/civicpress-sub002/internal/lock"
	"github.com/CivicPress/civicpress-sub002/internal/saga"
	"github.com/CivicPress/civicpress-sub002/internal/store"
	perrors "github.com/CivicPress/civicpress-sub002/pkg/errors"
	"github.com/CivicPress/civicpress-sub002/pkg/snowflake"
)

type fakeRecords struct {
	mu    sync.Mutex
	files map[string]string
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{files: make(map[string]string)}
}

func (f *fakeRecords) WriteRecordFile(_ context.Context, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return nil
}

func (f *fakeRecords) ReadRecordFile(_ context.Context, path string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	return content, ok, nil
}

func (f *fakeRecords) DeleteRecordFile(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

func (f *fakeRecords) MoveRecordFile(_ context.Context, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[from]
	if !ok {
		if _, moved := f.files[to]; moved {
			return nil
		}
		return fmt.Errorf("move %s: not found", from)
	}
	f.files[to] = content
	delete(f.files, from)
	return nil
}

func (f *fakeRecords) content(t *testing.T, path string) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		t.Fatalf("file %s missing", path)
	}
	return content
}

func (f *fakeRecords) exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok
}

type fakeIndex struct {
	mu       sync.Mutex
	rows     map[string]*Record
	failNext error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{rows: make(map[string]*Record)}
}

func (f *fakeIndex) takeFailure() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeIndex) UpsertIndexRow(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	clone := *rec
	f.rows[rec.ID] = &clone
	return nil
}

func (f *fakeIndex) GetIndexRow(_ context.Context, id string) (*Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[id]
	if !ok {
		return nil, false, nil
	}
	clone := *rec
	return &clone, true, nil
}

func (f *fakeIndex) DeleteIndexRow(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeIndex) SetArchived(_ context.Context, id string, archived bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[id]
	if !ok {
		return fmt.Errorf("record %s not indexed", id)
	}
	rec.Archived = archived
	if archived {
		rec.Status = RecordStatusArchived
	} else {
		rec.Status = RecordStatusPublished
	}
	return nil
}

type fakeVCS struct {
	mu         sync.Mutex
	seq        int
	commits    []string
	reverted   []string
	failCommit error
}

func (f *fakeVCS) Commit(_ context.Context, _ []string, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCommit != nil {
		return "", f.failCommit
	}
	f.seq++
	ref := fmt.Sprintf("commit-%d", f.seq)
	f.commits = append(f.commits, ref)
	return ref, nil
}

func (f *fakeVCS) RevertCommit(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverted = append(f.reverted, ref)
	return nil
}

type fakeSearch struct {
	mu         sync.Mutex
	docs       map[string]*Record
	failUpsert error
	failRemove error
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{docs: make(map[string]*Record)}
}

func (f *fakeSearch) IndexUpsert(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert != nil {
		return f.failUpsert
	}
	clone := *rec
	f.docs[rec.ID] = &clone
	return nil
}

func (f *fakeSearch) IndexRemove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemove != nil {
		return f.failRemove
	}
	delete(f.docs, id)
	return nil
}

type hookEvent struct {
	Name    string
	Payload interface{}
}

type fakeHooks struct {
	mu     sync.Mutex
	events []hookEvent
}

func (f *fakeHooks) Emit(_ context.Context, eventName string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, hookEvent{Name: eventName, Payload: payload})
	return nil
}

type fixture struct {
	records *fakeRecords
	index   *fakeIndex
	vcs     *fakeVCS
	search  *fakeSearch
	hooks   *fakeHooks
	store   *store.MemoryStore
	locks   *lock.MemoryLockManager
	exec    *saga.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		records: newFakeRecords(),
		index:   newFakeIndex(),
		vcs:     &fakeVCS{},
		search:  newFakeSearch(),
		hooks:   &fakeHooks{},
		store:   store.NewMemoryStore(),
		locks:   lock.NewMemoryLockManager(time.Minute),
	}
	reg := saga.NewRegistry()
	defs := NewDefinitions(f.records, f.index, f.vcs, f.search, f.hooks)
	if err := defs.RegisterAll(reg); err != nil {
		t.Fatalf("register definitions: %v", err)
	}
	ids, err := snowflake.New(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	f.exec = saga.NewExecutor(reg, f.store, idempotency.NewMemoryManager(), f.locks, nil, ids, nil, saga.Options{
		StepTimeout: 5 * time.Second,
		LockWait:    100 * time.Millisecond,
	})
	return f
}

func sagaContext(correlationID string, meta map[string]string) *saga.Context {
	return &saga.Context{
		CorrelationID: correlationID,
		User:          saga.User{ID: 7, Username: "clerk", Role: "editor"},
		Metadata:      meta,
	}
}

func decodeOutcome(t *testing.T, payload json.RawMessage) RecordOutcome {
	t.Helper()
	var out RecordOutcome
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	return out
}

func TestPublishDraftHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.files[draftPath("d1")] = "# bylaw draft"

	res, err := f.exec.Execute(ctx, SagaPublishDraft, sagaContext("corr-1", map[string]string{
		MetaRecordID: "bylaw-001",
		MetaDraftID:  "d1",
		MetaTitle:    "Noise Bylaw",
		MetaType:     "bylaw",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != saga.StatusCompleted {
		t.Fatalf("status = %s, want %s", res.Status, saga.StatusCompleted)
	}
	out := decodeOutcome(t, res.Payload)
	if out.RecordID != "bylaw-001" || out.Event != EventRecordPublished {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.CommitRef == "" {
		t.Fatal("outcome missing commitRef")
	}
	if got := f.records.content(t, recordPath("bylaw-001")); got != "# bylaw draft" {
		t.Fatalf("record file = %q", got)
	}
	row, ok, _ := f.index.GetIndexRow(ctx, "bylaw-001")
	if !ok || row.Status != RecordStatusPublished || row.Author != "clerk" {
		t.Fatalf("index row = %+v ok=%v", row, ok)
	}
	if _, ok := f.search.docs["bylaw-001"]; !ok {
		t.Fatal("search doc missing")
	}
	if len(f.hooks.events) != 1 || f.hooks.events[0].Name != EventRecordPublished {
		t.Fatalf("hook events = %+v", f.hooks.events)
	}
}

func TestPublishDraftMissingDraft(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec.Execute(context.Background(), SagaPublishDraft, sagaContext("corr-2", map[string]string{
		MetaRecordID: "bylaw-002",
		MetaDraftID:  "ghost",
	}))
	if err == nil {
		t.Fatal("want error for missing draft")
	}
	var stepErr *saga.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepValidate {
		t.Fatalf("err = %v, want StepError at %s", err, StepValidate)
	}
	var appErr *perrors.Error
	if !errors.As(err, &appErr) || appErr.Code != perrors.CodeDraftNotFound {
		t.Fatalf("err = %v, want code %s", err, perrors.CodeDraftNotFound)
	}
}

func TestPublishDraftCommitFailureRestoresFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.files[draftPath("d1")] = "v2 content"
	f.records.files[recordPath("bylaw-001")] = "v1 content"
	f.vcs.failCommit = errors.New("git lock held")

	_, err := f.exec.Execute(ctx, SagaPublishDraft, sagaContext("corr-3", map[string]string{
		MetaRecordID: "bylaw-001",
		MetaDraftID:  "d1",
	}))
	var stepErr *saga.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepCommit {
		t.Fatalf("err = %v, want StepError at %s", err, StepCommit)
	}
	// write-file 的补偿把旧内容写回
	if got := f.records.content(t, recordPath("bylaw-001")); got != "v1 content" {
		t.Fatalf("record file = %q, want restored v1", got)
	}
	if len(f.hooks.events) != 0 {
		t.Fatalf("hook events emitted despite failure: %+v", f.hooks.events)
	}
	states, _ := f.store.GetByCorrelationID(ctx, "corr-3")
	if len(states) != 1 || states[0].Status != saga.StatusCompensated {
		t.Fatalf("states = %+v", states)
	}
}

func TestPublishDraftCommitFailureDeletesNewFile(t *testing.T) {
	f := newFixture(t)
	f.records.files[draftPath("d1")] = "fresh"
	f.vcs.failCommit = errors.New("git lock held")

	_, err := f.exec.Execute(context.Background(), SagaPublishDraft, sagaContext("corr-4", map[string]string{
		MetaRecordID: "bylaw-new",
		MetaDraftID:  "d1",
	}))
	if err == nil {
		t.Fatal("want error")
	}
	if f.records.exists(recordPath("bylaw-new")) {
		t.Fatal("record file should have been deleted during compensation")
	}
}

func TestPublishDraftIndexFailureRevertsCommit(t *testing.T) {
	f := newFixture(t)
	f.records.files[draftPath("d1")] = "published body"
	f.index.failNext = errors.New("db down")

	_, err := f.exec.Execute(context.Background(), SagaPublishDraft, sagaContext("corr-5", map[string]string{
		MetaRecordID: "bylaw-001",
		MetaDraftID:  "d1",
	}))
	var stepErr *saga.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepIndex {
		t.Fatalf("err = %v, want StepError at %s", err, StepIndex)
	}
	f.vcs.mu.Lock()
	defer f.vcs.mu.Unlock()
	if len(f.vcs.commits) != 1 || len(f.vcs.reverted) != 1 || f.vcs.reverted[0] != f.vcs.commits[0] {
		t.Fatalf("commits=%v reverted=%v", f.vcs.commits, f.vcs.reverted)
	}
}

func TestPublishDraftIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.files[draftPath("d1")] = "body"

	sc := sagaContext("corr-6", map[string]string{
		MetaRecordID: "bylaw-001",
		MetaDraftID:  "d1",
	})
	sc.IdempotencyKey = "publish-bylaw-001"

	first, err := f.exec.Execute(ctx, SagaPublishDraft, sc)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	replay := sagaContext("corr-7", sc.Metadata)
	replay.IdempotencyKey = "publish-bylaw-001"
	second, err := f.exec.Execute(ctx, SagaPublishDraft, replay)
	if err != nil {
		t.Fatalf("replay execute: %v", err)
	}
	if second.SagaID != first.SagaID || string(second.Payload) != string(first.Payload) {
		t.Fatalf("replay diverged: first=%+v second=%+v", first, second)
	}
	if len(f.vcs.commits) != 1 {
		t.Fatalf("commits = %v, replay must not re-run steps", f.vcs.commits)
	}
	if len(f.hooks.events) != 1 {
		t.Fatalf("hook events = %d, want 1", len(f.hooks.events))
	}
}

func TestCreateRecordRejectsExisting(t *testing.T) {
	f := newFixture(t)
	f.records.files[recordPath("bylaw-001")] = "already there"

	_, err := f.exec.Execute(context.Background(), SagaCreateRecord, sagaContext("corr-8", map[string]string{
		MetaRecordID: "bylaw-001",
		MetaContent:  "new body",
	}))
	var appErr *perrors.Error
	if !errors.As(err, &appErr) || appErr.Code != perrors.CodeRecordExists {
		t.Fatalf("err = %v, want code %s", err, perrors.CodeRecordExists)
	}
	if got := f.records.content(t, recordPath("bylaw-001")); got != "already there" {
		t.Fatalf("existing file overwritten: %q", got)
	}
}

func TestCreateRecordHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.exec.Execute(ctx, SagaCreateRecord, sagaContext("corr-9", map[string]string{
		MetaRecordID: "minutes-2026-08",
		MetaTitle:    "August Minutes",
		MetaType:     "minutes",
		MetaContent:  "# minutes",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := decodeOutcome(t, res.Payload)
	if out.Event != EventRecordCreated || out.Status != RecordStatusPublished {
		t.Fatalf("outcome = %+v", out)
	}
	if !f.records.exists(recordPath("minutes-2026-08")) {
		t.Fatal("record file missing")
	}
	if _, ok, _ := f.index.GetIndexRow(ctx, "minutes-2026-08"); !ok {
		t.Fatal("index row missing")
	}
}

func TestUpdateRecordRestoresSnapshotOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.files[recordPath("bylaw-001")] = "old body"
	if err := f.index.UpsertIndexRow(ctx, &Record{ID: "bylaw-001", Title: "Old", Status: RecordStatusPublished}); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	f.index.failNext = errors.New("db down")

	_, err := f.exec.Execute(ctx, SagaUpdateRecord, sagaContext("corr-10", map[string]string{
		MetaRecordID: "bylaw-001",
		MetaTitle:    "New",
		MetaContent:  "new body",
	}))
	var stepErr *saga.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepIndex {
		t.Fatalf("err = %v, want StepError at %s", err, StepIndex)
	}
	if got := f.records.content(t, recordPath("bylaw-001")); got != "old body" {
		t.Fatalf("record file = %q, want snapshot restored", got)
	}
	row, _, _ := f.index.GetIndexRow(ctx, "bylaw-001")
	if row == nil || row.Title != "Old" {
		t.Fatalf("index row = %+v, want untouched", row)
	}
}

func TestUpdateRecordMissing(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec.Execute(context.Background(), SagaUpdateRecord, sagaContext("corr-11", map[string]string{
		MetaRecordID: "ghost",
		MetaContent:  "body",
	}))
	var appErr *perrors.Error
	if !errors.As(err, &appErr) || appErr.Code != perrors.CodeRecordNotFound {
		t.Fatalf("err = %v, want code %s", err, perrors.CodeRecordNotFound)
	}
}

func TestArchiveRecordHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.files[recordPath("bylaw-001")] = "body"
	if err := f.index.UpsertIndexRow(ctx, &Record{ID: "bylaw-001", Status: RecordStatusPublished}); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	f.search.docs["bylaw-001"] = &Record{ID: "bylaw-001"}

	res, err := f.exec.Execute(ctx, SagaArchiveRecord, sagaContext("corr-12", map[string]string{
		MetaRecordID: "bylaw-001",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := decodeOutcome(t, res.Payload)
	if out.Path != archivePath("bylaw-001") || out.Status != RecordStatusArchived {
		t.Fatalf("outcome = %+v", out)
	}
	if f.records.exists(recordPath("bylaw-001")) || !f.records.exists(archivePath("bylaw-001")) {
		t.Fatal("file not moved to archive")
	}
	row, _, _ := f.index.GetIndexRow(ctx, "bylaw-001")
	if row == nil || !row.Archived {
		t.Fatalf("index row = %+v, want archived", row)
	}
	if _, ok := f.search.docs["bylaw-001"]; ok {
		t.Fatal("search doc should be removed")
	}
}

func TestArchiveRecordHookIsLastObservableEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.files[recordPath("bylaw-001")] = "body"
	if err := f.index.UpsertIndexRow(ctx, &Record{ID: "bylaw-001", Status: RecordStatusPublished}); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	// SetArchived 失败：索引已在前序步骤标记，补偿把文件移回原位
	f.index.rows = map[string]*Record{}

	_, err := f.exec.Execute(ctx, SagaArchiveRecord, sagaContext("corr-13", map[string]string{
		MetaRecordID: "bylaw-001",
	}))
	if err == nil {
		t.Fatal("want error from index step")
	}
	if len(f.hooks.events) != 0 {
		t.Fatalf("hook emitted on failed saga: %+v", f.hooks.events)
	}
	if !f.records.exists(recordPath("bylaw-001")) {
		t.Fatal("file not moved back during compensation")
	}
}

func TestArchiveSearchFailureRestoresPublishedDoc(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.files[recordPath("bylaw-001")] = "body"
	if err := f.index.UpsertIndexRow(ctx, &Record{ID: "bylaw-001", Status: RecordStatusPublished}); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	f.search.docs["bylaw-001"] = &Record{ID: "bylaw-001", Status: RecordStatusPublished}
	f.search.failRemove = errors.New("search unavailable")

	_, err := f.exec.Execute(ctx, SagaArchiveRecord, sagaContext("corr-17", map[string]string{
		MetaRecordID: "bylaw-001",
	}))
	var stepErr *saga.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepSearch {
		t.Fatalf("err = %v, want StepError at %s", err, StepSearch)
	}
	// 补偿要把索引行和搜索文档都还原为归档前的已发布状态
	row, _, _ := f.index.GetIndexRow(ctx, "bylaw-001")
	if row == nil || row.Archived || row.Status != RecordStatusPublished {
		t.Fatalf("index row = %+v, want published after compensation", row)
	}
	doc, ok := f.search.docs["bylaw-001"]
	if !ok || doc.Archived || doc.Status != RecordStatusPublished {
		t.Fatalf("search doc = %+v, want published after compensation", doc)
	}
	if !f.records.exists(recordPath("bylaw-001")) {
		t.Fatal("file not moved back during compensation")
	}
	if len(f.vcs.reverted) != 1 {
		t.Fatalf("reverted = %v, want archive commit reverted", f.vcs.reverted)
	}
}

func TestConcurrentSameRecordRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.files[draftPath("d1")] = "body"

	if ok, err := f.locks.TryAcquire(ctx, "record:bylaw-001", 999, 0); err != nil || !ok {
		t.Fatalf("seed lock: ok=%v err=%v", ok, err)
	}
	_, err := f.exec.Execute(ctx, SagaPublishDraft, sagaContext("corr-14", map[string]string{
		MetaRecordID: "bylaw-001",
		MetaDraftID:  "d1",
	}))
	var lockErr *saga.ResourceLockedError
	if !errors.As(err, &lockErr) || lockErr.ResourceKey != "record:bylaw-001" {
		t.Fatalf("err = %v, want ResourceLockedError", err)
	}

	if err := f.locks.Release(ctx, "record:bylaw-001", 999); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := f.exec.Execute(ctx, SagaPublishDraft, sagaContext("corr-15", map[string]string{
		MetaRecordID: "bylaw-001",
		MetaDraftID:  "d1",
	})); err != nil {
		t.Fatalf("execute after release: %v", err)
	}
}

func TestSearchFailureCompensatesIndexAndCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.files[draftPath("d1")] = "body"
	f.search.failUpsert = errors.New("search unavailable")

	_, err := f.exec.Execute(ctx, SagaPublishDraft, sagaContext("corr-16", map[string]string{
		MetaRecordID: "bylaw-001",
		MetaDraftID:  "d1",
	}))
	var stepErr *saga.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepSearch {
		t.Fatalf("err = %v, want StepError at %s", err, StepSearch)
	}
	if _, ok, _ := f.index.GetIndexRow(ctx, "bylaw-001"); ok {
		t.Fatal("index row should be removed by compensation")
	}
	if len(f.vcs.reverted) != 1 {
		t.Fatalf("reverted = %v, want commit reverted", f.vcs.reverted)
	}
	if f.records.exists(recordPath("bylaw-001")) {
		t.Fatal("record file should be deleted by compensation")
	}
}
