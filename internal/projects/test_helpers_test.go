package projects

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testUserID  = "user-1"
	otherUserID = "user-2"
)

type completionCall struct {
	system string
	user   string
}

type scriptedCompleter struct {
	mu      sync.Mutex
	calls   []completionCall
	respond func(call completionCall) (string, error)
}

func (c *scriptedCompleter) Complete(_ context.Context, systemInstruction, userContent string) (string, error) {
	call := completionCall{system: systemInstruction, user: userContent}
	c.mu.Lock()
	c.calls = append(c.calls, call)
	respond := c.respond
	c.mu.Unlock()
	return respond(call)
}

func (c *scriptedCompleter) recorded() []completionCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]completionCall(nil), c.calls...)
}

// htmlResponder enhances by echoing and synthesizes the provided documents in order.
func htmlResponder(documents ...string) func(completionCall) (string, error) {
	var mu sync.Mutex
	index := 0
	return func(call completionCall) (string, error) {
		if call.system == enhanceInstruction {
			return "Enhanced: " + call.user, nil
		}
		mu.Lock()
		defer mu.Unlock()
		if index >= len(documents) {
			return "", errors.New("no scripted document left")
		}
		document := documents[index]
		index++
		return document, nil
	}
}

type inlineRunner struct{}

func (inlineRunner) Go(_ string, task func(ctx context.Context)) error {
	task(context.Background())
	return nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEvents) PublishProjectEvent(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.Type)
	}
	return types
}

type recordingPublisher struct {
	mu          sync.Mutex
	published   map[string]string
	unpublished []string
}

func (p *recordingPublisher) Publish(_ context.Context, projectID, code string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = make(map[string]string)
	}
	p.published[projectID] = code
	return "https://sites.example/" + projectID + "/index.html", nil
}

func (p *recordingPublisher) Unpublish(_ context.Context, projectID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.published, projectID)
	p.unpublished = append(p.unpublished, projectID)
	return nil
}

type testEnv struct {
	db        *gorm.DB
	users     *users.Service
	service   *Service
	completer *scriptedCompleter
	events    *recordingEvents
	publisher *recordingPublisher
}

type envOption func(*ServiceConfig)

func newTestEnv(t *testing.T, startingCredits int, respond func(completionCall) (string, error), options ...envOption) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "projects.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	models := append([]any{&users.Identity{}, &users.User{}}, Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, StartingCredits: startingCredits})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}
	for _, userID := range []string{testUserID, otherUserID} {
		if _, err := userService.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{UserID: userID}); err != nil {
			t.Fatalf("failed to seed user %s: %v", userID, err)
		}
	}

	env := &testEnv{
		db:        db,
		users:     userService,
		completer: &scriptedCompleter{respond: respond},
		events:    &recordingEvents{},
		publisher: &recordingPublisher{},
	}
	var tick int64
	cfg := ServiceConfig{
		Database:   db,
		IDProvider: NewUUIDProvider(),
		Ledger:     userService,
		Completer:  env.completer,
		Runner:     inlineRunner{},
		Events:     env.events,
		Publisher:  env.publisher,
		CreditCost: 5,
		Clock: func() time.Time {
			return time.Unix(1700000000+atomic.AddInt64(&tick, 1), 0)
		},
	}
	for _, option := range options {
		option(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to create project service: %v", err)
	}
	env.service = service
	return env
}

func (e *testEnv) balance(t *testing.T, userID string) int {
	t.Helper()
	balance, err := e.users.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to read balance: %v", err)
	}
	return balance
}

func (e *testEnv) detail(t *testing.T, projectID string) ProjectDetail {
	t.Helper()
	detail, err := e.service.Get(context.Background(), projectID, testUserID)
	if err != nil {
		t.Fatalf("failed to load project: %v", err)
	}
	return detail
}
