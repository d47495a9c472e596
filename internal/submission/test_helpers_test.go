package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/capabilities"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/tokens"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testNowUnix = 1700000000

var (
	testDatabaseSequence atomic.Int64
	testSecret           = []byte("form-secret")
)

type recordingSender struct {
	mu            sync.Mutex
	confirmations []Confirmation
	err           error
}

func (s *recordingSender) SendConfirmation(_ context.Context, confirmation Confirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.confirmations = append(s.confirmations, confirmation)
	return nil
}

func (s *recordingSender) sent() []Confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Confirmation(nil), s.confirmations...)
}

type stubVetoer struct {
	name    string
	verdict Verdict
	err     error
	delay   time.Duration
}

func (v stubVetoer) Name() string {
	return v.name
}

func (v stubVetoer) Review(ctx context.Context, _ tokens.PendingComment) (Verdict, error) {
	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-ctx.Done():
			return VerdictReject, ctx.Err()
		}
	}
	return v.verdict, v.err
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (o *recordingObserver) Name() string {
	return "recorder"
}

func (o *recordingObserver) CommentPosted(_ context.Context, event Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return o.err
}

func (o *recordingObserver) recorded() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Event(nil), o.events...)
}

type harnessOptions struct {
	confirmEmail      bool
	requireModeration bool
	options           capabilities.Options
	vetoers           []PrePublishVetoer
	observers         []PostPublishObserver
	senderErr         error
	hookTimeout       time.Duration
	editCooldown      time.Duration
}

type harness struct {
	pipeline *Pipeline
	store    *comments.Store
	db       *gorm.DB
	sender   *recordingSender
	codec    *tokens.Codec
	now      time.Time
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:submission_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&comments.Comment{}, &comments.Association{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	now := time.Unix(testNowUnix, 0).UTC()
	clock := func() time.Time { return now }
	db := openTestDatabase(t)
	store, err := comments.NewStore(comments.StoreConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: comments.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	resolver, err := capabilities.NewResolver(opts.options, nil)
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	codec, err := tokens.NewCodec(tokens.CodecConfig{
		SecretKey: []byte("application-secret"),
		Salt:      []byte("salt"),
		MaxAge:    24 * time.Hour,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to construct codec: %v", err)
	}
	sender := &recordingSender{err: opts.senderErr}
	pipeline, err := NewPipeline(PipelineConfig{
		Store:        store,
		Capabilities: resolver,
		Targets: NewRegistryResolver(map[string]TargetTemplate{
			"blog.post": {Title: "Post {id}", URL: "https://blog.example.com/posts/{id}"},
		}),
		Codec:             codec,
		Sender:            sender,
		Vetoers:           opts.vetoers,
		Observers:         opts.observers,
		SecretKey:         testSecret,
		ConfirmEmail:      opts.confirmEmail,
		RequireModeration: opts.requireModeration,
		HookTimeout:       opts.hookTimeout,
		EditCooldown:      opts.editCooldown,
		Clock:             clock,
	})
	if err != nil {
		t.Fatalf("failed to construct pipeline: %v", err)
	}
	return &harness{pipeline: pipeline, store: store, db: db, sender: sender, codec: codec, now: now}
}

func blogTarget() comments.Target {
	return comments.Target{ContentType: "blog.post", ObjectID: "42", SiteID: 1}
}

// validRequest returns an anonymous submission carrying a form issued a minute ago.
func (h *harness) validRequest(body string) Request {
	target := blogTarget()
	fields := NewSecurityFields(target, h.now.Add(-time.Minute), testSecret)
	return Request{
		Target:       target,
		Name:         "Alice",
		Email:        "alice@example.com",
		URL:          "https://alice.example.com",
		Body:         body,
		Markup:       "plain",
		Timestamp:    fields.Timestamp,
		SecurityHash: fields.SecurityHash,
		IPAddress:    "203.0.113.7",
	}
}

func (h *harness) mustSubmit(t *testing.T, request Request) Result {
	t.Helper()
	result, err := h.pipeline.Submit(context.Background(), request)
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	return result
}

func (h *harness) countRows(t *testing.T, model interface{}) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func (h *harness) countComments(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(&comments.Comment{}).Where("depth > 1").Count(&count).Error; err != nil {
		t.Fatalf("failed to count comments: %v", err)
	}
	return count
}

func expectRejected(t *testing.T, result Result, reason string) {
	t.Helper()
	if result.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected outcome, got %s", result.Outcome)
	}
	if result.Rejection == nil || !result.Rejection.HasReason(reason) {
		t.Fatalf("expected rejection reason %q, got %v", reason, result.Rejection)
	}
	if !errors.Is(result.Rejection, ErrValidationFailed) {
		t.Fatalf("rejection should match ErrValidationFailed")
	}
}
