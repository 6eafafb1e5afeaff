package payments

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"
)

const (
	testAppID         = "sitesmith"
	testUserID        = "user-1"
	testWebhookSecret = "whsec_test"
)

type fakeGateway struct {
	mu               sync.Mutex
	requests         []CheckoutRequest
	sessionsByIntent map[string]CheckoutSession
	createErr        error
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, request CheckoutRequest) (CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return CheckoutSession{}, g.createErr
	}
	g.requests = append(g.requests, request)
	sessionID := fmt.Sprintf("cs_test_%d", len(g.requests))
	return CheckoutSession{ID: sessionID, URL: "https://checkout.example/" + sessionID, Metadata: request.Metadata}, nil
}

func (g *fakeGateway) CheckoutSessionForPaymentIntent(_ context.Context, paymentIntentID string) (CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	session, ok := g.sessionsByIntent[paymentIntentID]
	if !ok {
		return CheckoutSession{}, ErrCheckoutSessionNotFound
	}
	return session, nil
}

type paymentsEnv struct {
	db      *gorm.DB
	users   *users.Service
	gateway *fakeGateway
	service *Service
}

func newPaymentsEnv(t *testing.T, webhookSecret string) *paymentsEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "payments.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&users.Identity{}, &users.User{}, &Transaction{}, &WebhookEvent{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, StartingCredits: 0})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}
	if _, err := userService.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{UserID: testUserID}); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	gateway := &fakeGateway{sessionsByIntent: make(map[string]CheckoutSession)}
	service, err := NewService(ServiceConfig{
		Database:      db,
		Gateway:       gateway,
		WebhookSecret: webhookSecret,
		AppID:         testAppID,
		SuccessURL:    "https://app.example/success",
		CancelURL:     "https://app.example/cancel",
	})
	if err != nil {
		t.Fatalf("failed to create payment service: %v", err)
	}
	return &paymentsEnv{db: db, users: userService, gateway: gateway, service: service}
}

func checkoutCompletedPayload(eventID, appID, transactionID string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_test_1","object":"checkout.session","payment_status":"paid","metadata":{"appId":%q,"transactionId":%q}}}}`,
		eventID, appID, transactionID))
}

func (e *paymentsEnv) balance(t *testing.T) int {
	t.Helper()
	balance, err := e.users.Balance(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("failed to read balance: %v", err)
	}
	return balance
}

func TestStartCheckoutCreatesUnpaidTransaction(t *testing.T) {
	env := newPaymentsEnv(t, "")

	checkout, err := env.service.StartCheckout(context.Background(), testUserID, "pro")
	if err != nil {
		t.Fatalf("start checkout failed: %v", err)
	}
	if checkout.URL == "" || checkout.SessionID != "cs_test_1" {
		t.Fatalf("unexpected checkout %+v", checkout)
	}
	transaction, err := env.service.Transaction(context.Background(), testUserID, checkout.TransactionID)
	if err != nil {
		t.Fatalf("failed to load transaction: %v", err)
	}
	if transaction.IsPaid || transaction.Credits != 400 || transaction.AmountCents != 1900 || transaction.CheckoutSessionID != "cs_test_1" {
		t.Fatalf("unexpected transaction %+v", transaction)
	}
	request := env.gateway.requests[0]
	if request.Metadata["appId"] != testAppID || request.Metadata["transactionId"] != transaction.ID {
		t.Fatalf("unexpected checkout metadata %v", request.Metadata)
	}

	if _, err := env.service.StartCheckout(context.Background(), testUserID, "platinum"); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
}

func TestWebhookGrantsCreditsOnce(t *testing.T) {
	env := newPaymentsEnv(t, "")
	checkout, err := env.service.StartCheckout(context.Background(), testUserID, "basic")
	if err != nil {
		t.Fatalf("start checkout failed: %v", err)
	}

	result, err := env.service.HandleWebhook(context.Background(), checkoutCompletedPayload("evt_1", testAppID, checkout.TransactionID), "")
	if err != nil {
		t.Fatalf("webhook failed: %v", err)
	}
	if result.Outcome != OutcomeGranted {
		t.Fatalf("expected granted outcome, got %s", result.Outcome)
	}
	if balance := env.balance(t); balance != 100 {
		t.Fatalf("expected 100 credits, got %d", balance)
	}

	replayed, err := env.service.HandleWebhook(context.Background(), checkoutCompletedPayload("evt_1", testAppID, checkout.TransactionID), "")
	if err != nil || replayed.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate outcome, got %+v err %v", replayed, err)
	}
	second, err := env.service.HandleWebhook(context.Background(), checkoutCompletedPayload("evt_2", testAppID, checkout.TransactionID), "")
	if err != nil || second.Outcome != OutcomeAlreadyPaid {
		t.Fatalf("expected already paid outcome, got %+v err %v", second, err)
	}
	if balance := env.balance(t); balance != 100 {
		t.Fatalf("expected credits granted once, got %d", balance)
	}

	var stored WebhookEvent
	if err := env.db.Where("event_id = ?", "evt_1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load stored event: %v", err)
	}
	if stored.ProcessedAt == nil || stored.Outcome != OutcomeGranted || len(stored.Payload) == 0 {
		t.Fatalf("unexpected stored event %+v", stored)
	}
}

func TestWebhookIgnoresForeignApplication(t *testing.T) {
	env := newPaymentsEnv(t, "")
	checkout, err := env.service.StartCheckout(context.Background(), testUserID, "basic")
	if err != nil {
		t.Fatalf("start checkout failed: %v", err)
	}

	result, err := env.service.HandleWebhook(context.Background(), checkoutCompletedPayload("evt_foreign", "other-app", checkout.TransactionID), "")
	if err != nil || result.Outcome != OutcomeIgnored {
		t.Fatalf("expected ignored outcome, got %+v err %v", result, err)
	}
	if balance := env.balance(t); balance != 0 {
		t.Fatalf("expected no credits, got %d", balance)
	}
}

func TestWebhookResolvesPaymentIntentThroughCheckoutSession(t *testing.T) {
	env := newPaymentsEnv(t, "")
	checkout, err := env.service.StartCheckout(context.Background(), testUserID, "enterprise")
	if err != nil {
		t.Fatalf("start checkout failed: %v", err)
	}
	env.gateway.sessionsByIntent["pi_123"] = CheckoutSession{
		ID:       checkout.SessionID,
		Metadata: map[string]string{"appid": testAppID, "transactionId": checkout.TransactionID},
	}

	payload := []byte(`{"id":"evt_pi","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","object":"payment_intent"}}}`)
	result, err := env.service.HandleWebhook(context.Background(), payload, "")
	if err != nil || result.Outcome != OutcomeGranted {
		t.Fatalf("expected granted outcome, got %+v err %v", result, err)
	}
	if balance := env.balance(t); balance != 1000 {
		t.Fatalf("expected 1000 credits, got %d", balance)
	}
}

func TestWebhookVerifiesSignatureWhenSecretConfigured(t *testing.T) {
	env := newPaymentsEnv(t, testWebhookSecret)
	checkout, err := env.service.StartCheckout(context.Background(), testUserID, "basic")
	if err != nil {
		t.Fatalf("start checkout failed: %v", err)
	}
	payload := checkoutCompletedPayload("evt_signed", testAppID, checkout.TransactionID)

	if _, err := env.service.HandleWebhook(context.Background(), payload, "t=1,v1=bad"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	result, err := env.service.HandleWebhook(context.Background(), signed.Payload, signed.Header)
	if err != nil || result.Outcome != OutcomeGranted {
		t.Fatalf("expected granted outcome, got %+v err %v", result, err)
	}
	var stored WebhookEvent
	if err := env.db.Where("event_id = ?", "evt_signed").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load stored event: %v", err)
	}
	if !stored.SignatureValid {
		t.Fatalf("expected signature flag recorded")
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	env := newPaymentsEnv(t, "")
	if _, err := env.service.HandleWebhook(context.Background(), []byte("not json"), ""); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if _, err := env.service.HandleWebhook(context.Background(), []byte(`{"type":"checkout.session.completed"}`), ""); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for missing id, got %v", err)
	}
}

func TestWebhookAcknowledgesUnknownEvents(t *testing.T) {
	env := newPaymentsEnv(t, "")
	result, err := env.service.HandleWebhook(context.Background(), []byte(`{"id":"evt_x","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`), "")
	if err != nil || result.Outcome != OutcomeIgnored {
		t.Fatalf("expected ignored outcome, got %+v err %v", result, err)
	}
}

func TestPlansAreOrderedByPrice(t *testing.T) {
	ordered := Plans()
	if len(ordered) != 3 || ordered[0].ID != "basic" || ordered[2].ID != "enterprise" {
		t.Fatalf("unexpected plan order %+v", ordered)
	}
}
