package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/util"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// GitVersionControl go-git 实现的版本历史协作者。
// 仓库操作串行化：工作树不支持并发变更。
type GitVersionControl struct {
	mu   sync.Mutex
	repo *git.Repository
}

// NewGitVersionControl 打开仓库，不存在则初始化
func NewGitVersionControl(path string) (*GitVersionControl, error) {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if mkErr := os.MkdirAll(path, 0o755); mkErr != nil {
			return nil, fmt.Errorf("create repo dir %s: %w", path, mkErr)
		}
		repo, err = git.PlainInit(path, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open git repo %s: %w", path, err)
	}
	return &GitVersionControl{repo: repo}, nil
}

func newGitVersionControl(repo *git.Repository) *GitVersionControl {
	return &GitVersionControl{repo: repo}
}

// Commit 暂存给定路径并提交，返回提交哈希
func (g *GitVersionControl) Commit(_ context.Context, paths []string, message, author string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	wt, err := g.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	for _, path := range paths {
		// Add 同样记录删除与重命名后的缺失
		if _, err := wt.Add(path); err != nil {
			return "", fmt.Errorf("stage %s: %w", path, err)
		}
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:            gitSignature(author),
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

// RevertCommit 把目标提交触及的文件恢复为其父提交的内容，
// 然后提交一笔回退提交。重复调用时文件已恢复，只会多出一笔
// 空回退提交，语义上安全。
func (g *GitVersionControl) RevertCommit(_ context.Context, commitRef string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	commit, err := g.repo.CommitObject(plumbing.NewHash(commitRef))
	if err != nil {
		return fmt.Errorf("lookup commit %s: %w", commitRef, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("commit tree: %w", err)
	}
	var parentTree *object.Tree
	if commit.NumParents() > 0 {
		parent, err := commit.Parent(0)
		if err != nil {
			return fmt.Errorf("parent commit: %w", err)
		}
		parentTree, err = parent.Tree()
		if err != nil {
			return fmt.Errorf("parent tree: %w", err)
		}
	}

	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return fmt.Errorf("diff commit %s: %w", commitRef, err)
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return fmt.Errorf("change action: %w", err)
		}
		switch action {
		case merkletrie.Insert:
			// 提交新增的文件：删除（可能已经不存在）
			path := change.To.Name
			if err := util.RemoveAll(wt.Filesystem, path); err != nil {
				return fmt.Errorf("remove %s: %w", path, err)
			}
			if _, err := wt.Add(path); err != nil {
				return fmt.Errorf("stage removal %s: %w", path, err)
			}
		default:
			// 提交修改或删除的文件：从父提交恢复内容
			path := change.From.Name
			file, err := parentTree.File(path)
			if err != nil {
				return fmt.Errorf("parent file %s: %w", path, err)
			}
			content, err := file.Contents()
			if err != nil {
				return fmt.Errorf("parent contents %s: %w", path, err)
			}
			if err := util.WriteFile(wt.Filesystem, path, []byte(content), 0o644); err != nil {
				return fmt.Errorf("restore %s: %w", path, err)
			}
			if _, err := wt.Add(path); err != nil {
				return fmt.Errorf("stage restore %s: %w", path, err)
			}
		}
	}

	short := commitRef
	if len(short) > 8 {
		short = short[:8]
	}
	_, err = wt.Commit("revert "+short, &git.CommitOptions{
		Author:            gitSignature("lifecycle-saga"),
		AllowEmptyCommits: true,
	})
	if err != nil {
		return fmt.Errorf("revert commit: %w", err)
	}
	return nil
}

func gitSignature(author string) *object.Signature {
	if author == "" {
		author = "lifecycle-saga"
	}
	return &object.Signature{
		Name:  author,
		Email: author + "@civicpress.local",
		When:  time.Now(),
	}
}
