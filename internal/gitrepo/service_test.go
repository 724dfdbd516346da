package gitrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func testContent() FunnelContent {
	return FunnelContent{
		Name: "Spring Promo",
		Slug: "spring-promo",
		Pages: []PageContent{
			{
				ID:          "pag_1",
				Title:       "Landing",
				Slug:        "landing",
				Position:    0,
				ContentMode: "blocks",
				Content:     `[{"id":"blk_1","type":"heading","props":{"text":"Welcome","level":1}}]`,
			},
			{
				ID:          "pag_2",
				Title:       "Thanks",
				Slug:        "thanks",
				Position:    1,
				ContentMode: "markdown",
				Content:     "# Thank you\n\nWe got your request.",
			},
		},
	}
}

func TestFunnelRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := testContent()

	if err := svc.EnsureFunnelRepo("fun_1", initial, "Avery"); err != nil {
		t.Fatalf("EnsureFunnelRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "fun_1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	// second Ensure is a no-op
	if err := svc.EnsureFunnelRepo("fun_1", initial, "Avery"); err != nil {
		t.Fatalf("EnsureFunnelRepo() repeat error = %v", err)
	}

	updated := initial
	updated.Pages = append([]PageContent(nil), initial.Pages...)
	updated.Pages[0].Content = `[{"id":"blk_1","type":"heading","props":{"text":"Hello","level":1}}]`
	commit, err := svc.CommitDraft("fun_1", updated, "Avery", "Edit landing headline")
	if err != nil {
		t.Fatalf("CommitDraft() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}

	history, err := svc.History("fun_1", DraftBranch, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 draft commits, got %d", len(history))
	}

	changed, err := svc.ContentAt("fun_1", commit.Hash)
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if !strings.Contains(changed.Pages[0].Content, "Hello") {
		t.Fatalf("unexpected content: %+v", changed.Pages[0])
	}

	// draft edits must not leak onto main until published
	mainContent, _, err := svc.HeadContent("fun_1", MainBranch)
	if err != nil {
		t.Fatalf("HeadContent(main) error = %v", err)
	}
	if !strings.Contains(mainContent.Pages[0].Content, "Welcome") {
		t.Fatalf("main moved without publish: %+v", mainContent.Pages[0])
	}
}

func TestPublishCopiesDraftOntoMain(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := testContent()
	if err := svc.EnsureFunnelRepo("fun_1", initial, "Avery"); err != nil {
		t.Fatalf("EnsureFunnelRepo() error = %v", err)
	}

	updated := initial
	updated.Name = "Spring Promo v2"
	if _, err := svc.CommitDraft("fun_1", updated, "Avery", "Rename funnel"); err != nil {
		t.Fatalf("CommitDraft() error = %v", err)
	}

	published, err := svc.PublishToMain("fun_1", "Avery", "Publish funnel")
	if err != nil {
		t.Fatalf("PublishToMain() error = %v", err)
	}
	if !strings.Contains(published.Message, "mode=copy-commit") {
		t.Fatalf("publish commit message missing trailer: %q", published.Message)
	}

	mainContent, head, err := svc.HeadContent("fun_1", MainBranch)
	if err != nil {
		t.Fatalf("HeadContent(main) error = %v", err)
	}
	if mainContent.Name != "Spring Promo v2" {
		t.Fatalf("main content = %q, want published draft", mainContent.Name)
	}
	if head.Hash != published.Hash {
		t.Fatalf("main head = %s, want publish commit %s", head.Hash, published.Hash)
	}

	// publishing identical content still records a version
	again, err := svc.PublishToMain("fun_1", "Avery", "Publish funnel")
	if err != nil {
		t.Fatalf("PublishToMain() repeat error = %v", err)
	}
	if again.Hash == published.Hash {
		t.Fatal("expected a fresh commit for the repeat publish")
	}

	mainHistory, err := svc.History("fun_1", MainBranch, 10)
	if err != nil {
		t.Fatalf("History(main) error = %v", err)
	}
	if len(mainHistory) != 3 {
		t.Fatalf("expected 3 main commits (create + 2 publishes), got %d", len(mainHistory))
	}

	if err := svc.CreateTag("fun_1", published.Hash, "publish-1"); err != nil {
		t.Fatalf("CreateTag() error = %v", err)
	}
	// tagging the same commit twice is fine
	if err := svc.CreateTag("fun_1", published.Hash, "publish-1"); err != nil {
		t.Fatalf("CreateTag() repeat error = %v", err)
	}
}

func TestHasChanges(t *testing.T) {
	a := testContent()
	b := testContent()
	if HasChanges(a, b) {
		t.Fatal("identical content reported as changed")
	}
	b.Pages[1].Content = "# Thanks again"
	if !HasChanges(a, b) {
		t.Fatal("page edit not reported as changed")
	}
}

func TestConcurrentDraftCommits(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := testContent()
	if err := svc.EnsureFunnelRepo("fun_1", initial, "Avery"); err != nil {
		t.Fatalf("EnsureFunnelRepo() error = %v", err)
	}

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			next := initial
			next.Name = fmt.Sprintf("funnel-%02d", idx)
			if _, err := svc.CommitDraft("fun_1", next, "Avery", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("CommitDraft() concurrent error = %v", err)
		}
	}

	history, err := svc.History("fun_1", DraftBranch, 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) < writers+1 {
		t.Fatalf("expected at least %d commits in history, got %d", writers+1, len(history))
	}

	head, _, err := svc.HeadContent("fun_1", DraftBranch)
	if err != nil {
		t.Fatalf("HeadContent() error = %v", err)
	}
	if !strings.HasPrefix(head.Name, "funnel-") {
		t.Fatalf("unexpected head content after concurrent commits: %+v", head)
	}
}
