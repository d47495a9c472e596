package comments

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGetOrCreateRootIsIdempotent(t *testing.T) {
	store, db := newTestStore(t, 0)
	ctx := context.Background()

	first, err := store.GetOrCreateRoot(ctx, blogTarget("42"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := store.GetOrCreateRoot(ctx, blogTarget("42"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same root, got %s and %s", first.ID, second.ID)
	}
	if first.Depth != 1 || !first.IsRoot() {
		t.Fatalf("expected depth 1 sentinel, got depth %d", first.Depth)
	}
	if len(first.Path) != DefaultSegmentWidth {
		t.Fatalf("unexpected root path %q", first.Path)
	}

	other := mustRoot(t, store, blogTarget("43"))
	if other.ID == first.ID || other.Path == first.Path {
		t.Fatalf("distinct targets must get distinct roots")
	}

	var associations int64
	if err := db.Model(&Association{}).Count(&associations).Error; err != nil {
		t.Fatalf("failed to count associations: %v", err)
	}
	if associations != 2 {
		t.Fatalf("expected 2 associations, got %d", associations)
	}
}

func TestGetOrCreateRootRejectsInvalidTarget(t *testing.T) {
	store, _ := newTestStore(t, 0)
	_, err := store.GetOrCreateRoot(context.Background(), Target{ContentType: "blog.post", SiteID: 1})
	if !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
}

func TestGetOrCreateRootConcurrentCallsCreateOneAssociation(t *testing.T) {
	store, db := newTestStore(t, 0)
	ctx := context.Background()

	const workers = 20
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			root, err := store.GetOrCreateRoot(ctx, blogTarget("42"))
			ids[index] = root.ID
			errs[index] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("worker %d observed root %s, want %s", i, ids[i], ids[0])
		}
	}

	var roots int64
	if err := db.Model(&Comment{}).Where("depth = 1").Count(&roots).Error; err != nil {
		t.Fatalf("failed to count roots: %v", err)
	}
	if roots != 1 {
		t.Fatalf("expected exactly one root sentinel, got %d", roots)
	}
}

func TestAddChildBuildsPathFromParent(t *testing.T) {
	store, _ := newTestStore(t, 0)
	root := mustRoot(t, store, blogTarget("42"))

	first := mustAddChild(t, store, root, "first")
	second := mustAddChild(t, store, root, "second")
	reply := mustAddChild(t, store, first, "reply")

	for _, child := range []struct {
		parent Comment
		node   Comment
	}{{root, first}, {root, second}, {first, reply}} {
		if child.node.Depth != child.parent.Depth+1 {
			t.Fatalf("depth %d under parent depth %d", child.node.Depth, child.parent.Depth)
		}
		if !strings.HasPrefix(child.node.Path, child.parent.Path) {
			t.Fatalf("path %q does not extend %q", child.node.Path, child.parent.Path)
		}
		if len(child.node.Path) != len(child.parent.Path)+DefaultSegmentWidth {
			t.Fatalf("path %q should add exactly one segment to %q", child.node.Path, child.parent.Path)
		}
		if child.node.ParentPath != child.parent.Path {
			t.Fatalf("parent path %q, want %q", child.node.ParentPath, child.parent.Path)
		}
	}
	if !(first.Path < second.Path) {
		t.Fatalf("sibling order must follow creation order: %q then %q", first.Path, second.Path)
	}
	if reply.Level() != 2 || first.Level() != 1 {
		t.Fatalf("unexpected levels %d and %d", first.Level(), reply.Level())
	}
	if reply.SiteID != 1 {
		t.Fatalf("expected site id to be inherited, got %d", reply.SiteID)
	}
}

func TestAddChildRejectsUnknownParent(t *testing.T) {
	store, _ := newTestStore(t, 0)
	_, err := store.AddChild(context.Background(), Comment{ID: "missing", Path: "00000", Depth: 1}, anonymousFields("orphan"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddChildConcurrentRepliesGetDistinctSegments(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	root := mustRoot(t, store, blogTarget("42"))
	parent := mustAddChild(t, store, root, "parent")

	const workers = 50
	created := make([]Comment, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			created[index], errs[index] = store.AddChild(ctx, parent, anonymousFields("reply"))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, workers)
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if _, duplicate := seen[created[i].Path]; duplicate {
			t.Fatalf("segment collision on %q", created[i].Path)
		}
		seen[created[i].Path] = struct{}{}
	}

	children, err := store.CollectDescendants(ctx, parent, ListOptions{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(children) != workers {
		t.Fatalf("expected %d replies, got %d", workers, len(children))
	}
}

func TestAddChildFailsWhenSegmentSpaceIsExhausted(t *testing.T) {
	store, _ := newTestStore(t, 1)
	ctx := context.Background()
	root := mustRoot(t, store, blogTarget("42"))

	capacity := int(store.Paths().Capacity())
	if capacity != 36 {
		t.Fatalf("expected 36 siblings for width 1, got %d", capacity)
	}
	for i := 0; i < capacity; i++ {
		mustAddChild(t, store, root, "filler")
	}

	_, err := store.AddChild(ctx, root, anonymousFields("one too many"))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	count, err := store.CountDescendants(ctx, root, false)
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != int64(capacity) {
		t.Fatalf("failed allocation must not write a row, got %d rows", count)
	}
}

func TestAddChildOnceReturnsExistingEquivalent(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	root := mustRoot(t, store, blogTarget("42"))

	fields := anonymousFields("same words")
	fields.SubmittedAt = time.Unix(1700001000, 0).UTC()

	first, created, err := store.AddChildOnce(ctx, root, fields, time.Minute)
	if err != nil || !created {
		t.Fatalf("first submission: created=%v err=%v", created, err)
	}
	again, created, err := store.AddChildOnce(ctx, root, fields, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created || again.ID != first.ID {
		t.Fatalf("expected the existing comment %s, got %s (created=%v)", first.ID, again.ID, created)
	}

	later := fields
	later.SubmittedAt = fields.SubmittedAt.Add(2 * time.Minute)
	if _, created, err := store.AddChildOnce(ctx, root, later, time.Minute); err != nil || !created {
		t.Fatalf("submission outside the window should be created: created=%v err=%v", created, err)
	}

	otherAuthor := fields
	otherAuthor.Author = Author{UserID: "user-7"}
	if _, created, err := store.AddChildOnce(ctx, root, otherAuthor, time.Minute); err != nil || !created {
		t.Fatalf("different author should be created: created=%v err=%v", created, err)
	}

	count, err := store.CountDescendants(ctx, root, false)
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 comments, got %d", count)
	}
}

func TestListDescendantsOrdersByPath(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	root := mustRoot(t, store, blogTarget("42"))
	otherRoot := mustRoot(t, store, blogTarget("99"))

	a := mustAddChild(t, store, root, "a")
	b := mustAddChild(t, store, root, "b")
	a1 := mustAddChild(t, store, a, "a1")
	c := mustAddChild(t, store, root, "c")
	a1x := mustAddChild(t, store, a1, "a1x")
	b1 := mustAddChild(t, store, b, "b1")
	a2 := mustAddChild(t, store, a, "a2")
	mustAddChild(t, store, otherRoot, "elsewhere")

	tests := []struct {
		name     string
		options  ListOptions
		expected []Comment
	}{
		{
			name:     "oldest-first",
			options:  ListOptions{Order: OrderOldestFirst, PageSize: 2},
			expected: []Comment{a, a1, a1x, a2, b, b1, c},
		},
		{
			name:     "newest-first",
			options:  ListOptions{Order: OrderNewestFirst, PageSize: 2},
			expected: []Comment{c, b, b1, a, a1, a1x, a2},
		},
		{
			name:     "newest-first-single-page",
			options:  ListOptions{Order: OrderNewestFirst},
			expected: []Comment{c, b, b1, a, a1, a1x, a2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listed, err := store.CollectDescendants(ctx, root, tt.options)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(listed) != len(tt.expected) {
				t.Fatalf("expected %d comments, got %d", len(tt.expected), len(listed))
			}
			for i := range listed {
				if listed[i].ID != tt.expected[i].ID {
					t.Fatalf("position %d: got body %q, want %q", i, listed[i].Body, tt.expected[i].Body)
				}
			}
		})
	}

	subtree, err := store.CollectDescendants(ctx, a, ListOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subtree) != 3 || subtree[0].ID != a1.ID || subtree[1].ID != a1x.ID || subtree[2].ID != a2.ID {
		t.Fatalf("unexpected subtree listing %#v", subtree)
	}

	if _, err := store.SetPublic(ctx, b1.ID, false); err != nil {
		t.Fatalf("unexpected set public error: %v", err)
	}
	public, err := store.CollectDescendants(ctx, root, ListOptions{PublicOnly: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, comment := range public {
		if comment.ID == b1.ID {
			t.Fatalf("non-public comment must be excluded")
		}
	}
	if len(public) != 6 {
		t.Fatalf("expected 6 public comments, got %d", len(public))
	}
}

func TestListDescendantsStopsWhenConsumerBreaks(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	root := mustRoot(t, store, blogTarget("42"))
	for i := 0; i < 5; i++ {
		mustAddChild(t, store, root, "entry")
	}

	seen := 0
	for _, err := range store.ListDescendants(ctx, root, ListOptions{PageSize: 2}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen++
		if seen == 3 {
			break
		}
	}
	if seen != 3 {
		t.Fatalf("expected iteration to stop at 3, got %d", seen)
	}

	restarted, err := store.CollectDescendants(ctx, root, ListOptions{PageSize: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(restarted) != 5 {
		t.Fatalf("a new range must start over, got %d", len(restarted))
	}
}

func TestAncestorsOfAndTargetOf(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	root := mustRoot(t, store, blogTarget("42"))
	a := mustAddChild(t, store, root, "a")
	a1 := mustAddChild(t, store, a, "a1")
	a1x := mustAddChild(t, store, a1, "a1x")

	ancestors, err := store.AncestorsOf(ctx, a1x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []string{root.ID, a.ID, a1.ID}
	if len(ancestors) != len(expected) {
		t.Fatalf("expected %d ancestors, got %d", len(expected), len(ancestors))
	}
	for i := range expected {
		if ancestors[i].ID != expected[i] {
			t.Fatalf("ancestor %d = %s, want %s", i, ancestors[i].ID, expected[i])
		}
	}

	rootAncestors, err := store.AncestorsOf(ctx, root)
	if err != nil || len(rootAncestors) != 0 {
		t.Fatalf("root sentinel has no ancestors: %v %v", rootAncestors, err)
	}

	target, err := store.TargetOf(ctx, a1x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target != blogTarget("42") {
		t.Fatalf("unexpected target %#v", target)
	}
}

func TestMarkRemovedIsMonotonic(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	root := mustRoot(t, store, blogTarget("42"))
	comment := mustAddChild(t, store, root, "regrettable")

	removed, err := store.MarkRemoved(ctx, comment.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !removed.IsRemoved {
		t.Fatalf("expected comment to be removed")
	}
	if removed.Depth != comment.Depth || removed.Path != comment.Path {
		t.Fatalf("removal must not move the comment")
	}

	republished, err := store.SetPublic(ctx, comment.ID, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !republished.IsRemoved {
		t.Fatalf("removal must survive later updates")
	}

	if _, err := store.MarkRemoved(ctx, root.ID); !errors.Is(err, ErrRootSentinel) {
		t.Fatalf("expected ErrRootSentinel, got %v", err)
	}
	if _, err := store.MarkRemoved(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateBodyRespectsRemovalAndCooldown(t *testing.T) {
	store, db := newTestStore(t, 0)
	ctx := context.Background()
	root := mustRoot(t, store, blogTarget("42"))
	comment := mustAddChild(t, store, root, "frist")

	edited, err := store.UpdateBody(ctx, comment.ID, "first", "", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if edited.Body != "first" || edited.Markup != MarkupPlain || edited.UpdatedAtSeconds <= comment.UpdatedAtSeconds {
		t.Fatalf("unexpected edited comment %+v", edited)
	}
	if edited.Path != comment.Path || edited.SubmittedAtSeconds != comment.SubmittedAtSeconds {
		t.Fatalf("editing must not move or re-date the comment")
	}

	if err := db.Model(&Comment{}).Where("id = ?", comment.ID).
		Update("submitted_at_s", comment.SubmittedAtSeconds-int64((2*time.Hour).Seconds())).Error; err != nil {
		t.Fatalf("failed to age comment: %v", err)
	}
	if _, err := store.UpdateBody(ctx, comment.ID, "too late", "", time.Hour); !errors.Is(err, ErrEditWindowClosed) {
		t.Fatalf("expected ErrEditWindowClosed, got %v", err)
	}
	if _, err := store.UpdateBody(ctx, comment.ID, "no cooldown", MarkupMarkdown, 0); err != nil {
		t.Fatalf("a zero cooldown never closes editing, got %v", err)
	}

	if _, err := store.MarkRemoved(ctx, comment.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.UpdateBody(ctx, comment.ID, "resurrected", "", 0); !errors.Is(err, ErrRemoved) {
		t.Fatalf("expected ErrRemoved, got %v", err)
	}
	if _, err := store.UpdateBody(ctx, root.ID, "root", "", 0); !errors.Is(err, ErrRootSentinel) {
		t.Fatalf("expected ErrRootSentinel, got %v", err)
	}
	if _, err := store.UpdateBody(ctx, "missing", "body", "", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
