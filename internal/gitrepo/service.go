// Package gitrepo versions funnel content in per-funnel git repositories.
// Drafts accumulate on the draft branch; publishing copy-commits the draft
// snapshot onto main, so main's history is exactly the published versions.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"beacon/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	DraftBranch = "draft"
	MainBranch  = "main"
)

// PageContent is one page as stored in funnel.json.
type PageContent struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Slug           string `json:"slug"`
	Position       int    `json:"position"`
	ContentMode    string `json:"contentMode"`
	Content        string `json:"content"`
	SeoTitle       string `json:"seoTitle,omitempty"`
	SeoDescription string `json:"seoDescription,omitempty"`
}

// FunnelContent is the full versioned state of one funnel.
type FunnelContent struct {
	Name  string        `json:"name"`
	Slug  string        `json:"slug"`
	Pages []PageContent `json:"pages"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureFunnelRepo initializes the repo for a funnel with its first commit on
// main and a draft branch pointing at it. Calling it again is a no-op.
func (s *Service) EnsureFunnelRepo(funnelID string, initial FunnelContent, author string) error {
	lock := s.funnelLock(funnelID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(funnelID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(initial, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal initial content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "funnel.json"), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write initial content: %w", err)
	}
	if _, err := worktree.Add("funnel.json"); err != nil {
		return fmt.Errorf("git add initial content: %w", err)
	}
	hash, err := worktree.Commit("Create funnel", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial content: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(MainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(DraftBranch), hash)); err != nil {
		return fmt.Errorf("set draft branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(MainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitDraft records the current working state of a funnel on the draft
// branch.
func (s *Service) CommitDraft(funnelID string, content FunnelContent, author, message string) (store.CommitInfo, error) {
	lock := s.funnelLock(funnelID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(funnelID))
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	hash, err := s.commit(repo, DraftBranch, content, author, message, false)
	if err != nil {
		return store.CommitInfo{}, err
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}

	return toCommitInfo(commitObj), nil
}

// HeadContent returns the content at the tip of a branch.
func (s *Service) HeadContent(funnelID, branchName string) (FunnelContent, store.CommitInfo, error) {
	lock := s.funnelLock(funnelID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(funnelID))
	if err != nil {
		return FunnelContent{}, store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return FunnelContent{}, store.CommitInfo{}, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return FunnelContent{}, store.CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}

	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return FunnelContent{}, store.CommitInfo{}, err
	}

	return content, toCommitInfo(commitObj), nil
}

// ContentAt returns the content recorded at a specific commit.
func (s *Service) ContentAt(funnelID, hash string) (FunnelContent, error) {
	lock := s.funnelLock(funnelID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(funnelID))
	if err != nil {
		return FunnelContent{}, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return FunnelContent{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return FunnelContent{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContentFromCommit(commitObj)
}

// History lists commits on a branch, newest first.
func (s *Service) History(funnelID, branchName string, limit int) ([]store.CommitInfo, error) {
	lock := s.funnelLock(funnelID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(funnelID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// PublishToMain copies the draft head onto main as a new commit. The commit
// is created even when draft and main are identical so every publish shows
// up in main's history.
func (s *Service) PublishToMain(funnelID, author, message string) (store.CommitInfo, error) {
	lock := s.funnelLock(funnelID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(funnelID))
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(DraftBranch), true)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("resolve draft branch: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("load draft commit object: %w", err)
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return store.CommitInfo{}, err
	}

	publishMessage := fmt.Sprintf(
		"%s\n\npublish: source=%s target=%s actor=%s mode=copy-commit",
		message,
		DraftBranch,
		MainBranch,
		author,
	)
	hash, err := s.commit(repo, MainBranch, content, author, publishMessage, true)
	if err != nil {
		return store.CommitInfo{}, err
	}
	published, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read publish commit object: %w", err)
	}
	return toCommitInfo(published), nil
}

// CreateTag marks a commit, typically a publish on main.
func (s *Service) CreateTag(funnelID, hash, name string) error {
	lock := s.funnelLock(funnelID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(funnelID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}

	_, err = repo.CreateTag(name, resolvedHash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Beacon",
			Email: "beacon@localhost",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// HasChanges reports whether two funnel states differ.
func HasChanges(from, to FunnelContent) bool {
	a, errA := json.Marshal(from)
	b, errB := json.Marshal(to)
	if errA != nil || errB != nil {
		return true
	}
	return string(a) != string(b)
}

func (s *Service) repoPath(funnelID string) string {
	return filepath.Join(s.baseDir, funnelID)
}

func (s *Service) funnelLock(funnelID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[funnelID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[funnelID] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, branchName string, content FunnelContent, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	if err := checkoutBranch(repo, branchName); err != nil {
		return plumbing.ZeroHash, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, "funnel.json"), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write funnel.json: %w", err)
	}

	if _, err := worktree.Add("funnel.json"); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author:            signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func readContentFromCommit(commitObj *object.Commit) (FunnelContent, error) {
	file, err := commitObj.File("funnel.json")
	if err != nil {
		return FunnelContent{}, fmt.Errorf("load funnel.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return FunnelContent{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return FunnelContent{}, fmt.Errorf("read content bytes: %w", err)
	}

	var content FunnelContent
	if err := json.Unmarshal(bytes, &content); err != nil {
		return FunnelContent{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.beacon.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
