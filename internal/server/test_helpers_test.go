package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/capabilities"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/flags"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/render"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/submission"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/tokens"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "session-secret"
	testCookieName    = "app_session"
	testIssuer        = "tauth"
	roleModerator     = "moderator"
	roleTrusted       = "staff"
)

var (
	testDatabaseSequence atomic.Int64
	testFormSecret       = []byte("form-secret-form-secret")
)

type recordingSender struct {
	mu            sync.Mutex
	confirmations []submission.Confirmation
}

func (s *recordingSender) SendConfirmation(_ context.Context, confirmation submission.Confirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmations = append(s.confirmations, confirmation)
	return nil
}

func (s *recordingSender) lastToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.confirmations) == 0 {
		return ""
	}
	return s.confirmations[len(s.confirmations)-1].Token
}

type testServerOptions struct {
	confirmEmail   bool
	withCache      bool
	editCooldown   time.Duration
	noTrustedRoles bool
}

type testServer struct {
	handler  http.Handler
	pipeline *submission.Pipeline
	sender   *recordingSender
	cache    *cache.ThreadCache
	db       *gorm.DB
	now      time.Time
}

func newTestServer(t *testing.T, opts testServerOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	now := time.Now().UTC().Truncate(time.Second)
	clock := func() time.Time { return now }

	dsn := fmt.Sprintf("file:server_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
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
	if err := db.AutoMigrate(&comments.Comment{}, &comments.Association{}, &flags.Flag{}, &users.Identity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := comments.NewStore(comments.StoreConfig{Database: db, Clock: clock, IDProvider: comments.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	resolver, err := capabilities.NewResolver(capabilities.Options{}, map[string]capabilities.Options{
		"blog.post": {AllowFeedback: true, AllowFlagging: true, MaxThreadDepth: 2},
		"news.item": {AllowFeedback: true, ShowFeedback: true},
	})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	flagService, err := flags.NewService(flags.ServiceConfig{
		Database:     db,
		Comments:     store,
		Capabilities: resolver,
		Clock:        clock,
	})
	if err != nil {
		t.Fatalf("failed to construct flag service: %v", err)
	}
	codec, err := tokens.NewCodec(tokens.CodecConfig{SecretKey: testFormSecret, Salt: []byte("salt"), MaxAge: time.Hour, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct codec: %v", err)
	}
	registry, err := render.NewRegistry(nil)
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}

	server := &testServer{sender: &recordingSender{}, db: db, now: now}
	var observers []submission.PostPublishObserver
	var threadCache ThreadCache
	if opts.withCache {
		server.cache, err = cache.NewThreadCache(cache.NewMemoryBackend(clock), time.Minute, nil)
		if err != nil {
			t.Fatalf("failed to construct cache: %v", err)
		}
		observers = append(observers, server.cache)
		threadCache = server.cache
	}

	server.pipeline, err = submission.NewPipeline(submission.PipelineConfig{
		Store:        store,
		Capabilities: resolver,
		Targets: submission.NewRegistryResolver(map[string]submission.TargetTemplate{
			"blog.post": {Title: "Post {id}", URL: "https://blog.example.com/posts/{id}"},
			"wiki.page": {Title: "Page {id}", URL: "https://wiki.example.com/{id}"},
			"news.item": {Title: "News {id}", URL: "https://news.example.com/{id}"},
		}),
		Codec:        codec,
		Sender:       server.sender,
		Observers:    observers,
		SecretKey:    testFormSecret,
		ConfirmEmail: opts.confirmEmail,
		EditCooldown: opts.editCooldown,
		Clock:        clock,
	})
	if err != nil {
		t.Fatalf("failed to construct pipeline: %v", err)
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}
	commenters, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}

	trustedRoles := []string{roleTrusted}
	if opts.noTrustedRoles {
		trustedRoles = nil
	}
	server.handler, err = NewHTTPHandler(Dependencies{
		Pipeline:       server.pipeline,
		Store:          store,
		Flags:          flagService,
		Capabilities:   resolver,
		Renderer:       registry,
		Cache:          threadCache,
		Sessions:       sessions,
		Commenters:     commenters,
		TrustedRoles:   trustedRoles,
		ModeratorRoles: []string{roleModerator},
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return server
}

// sessionCookie signs a TAuth session for userID carrying roles.
func sessionCookie(t *testing.T, userID string, roles ...string) *http.Cookie {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: "User " + userID,
		UserRoles:       roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign session: %v", err)
	}
	return &http.Cookie{Name: testCookieName, Value: signed}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

// submitPayload returns an anonymous submission carrying fresh form security fields.
func (s *testServer) submitPayload(t *testing.T, objectID, body string) map[string]interface{} {
	t.Helper()
	return s.submitPayloadFor(t, "blog.post", objectID, body)
}

func (s *testServer) submitPayloadFor(t *testing.T, contentType, objectID, body string) map[string]interface{} {
	t.Helper()
	fields := submission.NewSecurityFields(comments.Target{ContentType: contentType, ObjectID: objectID, SiteID: 1}, s.now, testFormSecret)
	return map[string]interface{}{
		"content_type":  contentType,
		"object_id":     objectID,
		"name":          "Alice",
		"email":         "alice@example.com",
		"comment":       body,
		"timestamp":     fields.Timestamp,
		"security_hash": fields.SecurityHash,
	}
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), into); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func (s *testServer) listThread(t *testing.T, objectID string, cookie *http.Cookie) threadView {
	t.Helper()
	recorder := s.do(t, http.MethodGet, "/api/comments/thread?content_type=blog.post&object_id="+objectID, nil, cookie)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected list status %d: %s", recorder.Code, recorder.Body.String())
	}
	var thread threadView
	decodeJSON(t, recorder, &thread)
	return thread
}

func (s *testServer) publish(t *testing.T, objectID, body string, cookie *http.Cookie) commentView {
	t.Helper()
	recorder := s.do(t, http.MethodPost, "/api/comments", s.submitPayload(t, objectID, body), cookie)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected published comment, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response submitResponsePayload
	decodeJSON(t, recorder, &response)
	if response.Comment == nil {
		t.Fatalf("published response must carry the comment")
	}
	return *response.Comment
}
