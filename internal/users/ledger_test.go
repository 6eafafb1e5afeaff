package users

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/auth"
)

func seedUser(t *testing.T, service *Service, userID string) {
	t.Helper()
	if _, err := service.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{UserID: userID}); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func TestDebitRejectsInsufficientBalance(t *testing.T) {
	service := newTestService(t, 3)
	seedUser(t, service, "user-1")

	err := service.Debit(context.Background(), "user-1", 5)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	balance, _ := service.Balance(context.Background(), "user-1")
	if balance != 3 {
		t.Fatalf("expected balance untouched at 3, got %d", balance)
	}
}

func TestDebitUnknownUser(t *testing.T) {
	service := newTestService(t, 5)
	if err := service.Debit(context.Background(), "ghost", 5); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestDebitThenCreditRestoresBalance(t *testing.T) {
	service := newTestService(t, 10)
	seedUser(t, service, "user-1")
	ctx := context.Background()

	if err := service.Debit(ctx, "user-1", 5); err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if balance, _ := service.Balance(ctx, "user-1"); balance != 5 {
		t.Fatalf("expected 5 after debit, got %d", balance)
	}
	if err := service.Credit(ctx, "user-1", 5); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if balance, _ := service.Balance(ctx, "user-1"); balance != 10 {
		t.Fatalf("expected 10 after refund, got %d", balance)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	service := newTestService(t, 10)
	seedUser(t, service, "user-1")
	ctx := context.Background()

	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for attempt := 0; attempt < 5; attempt++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if err := service.Debit(ctx, "user-1", 5); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	waitGroup.Wait()

	if succeeded != 2 {
		t.Fatalf("expected exactly two successful debits, got %d", succeeded)
	}
	if balance, _ := service.Balance(ctx, "user-1"); balance != 0 {
		t.Fatalf("expected balance 0, got %d", balance)
	}
}

func TestLedgerRejectsNonPositiveAmounts(t *testing.T) {
	service := newTestService(t, 10)
	seedUser(t, service, "user-1")
	if err := service.Debit(context.Background(), "user-1", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for debit, got %v", err)
	}
	if err := service.Credit(context.Background(), "user-1", -1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for credit, got %v", err)
	}
}

func TestRecordCreationIncrementsCounter(t *testing.T) {
	service := newTestService(t, 10)
	seedUser(t, service, "user-1")
	ctx := context.Background()
	if err := service.RecordCreation(ctx, "user-1"); err != nil {
		t.Fatalf("record creation failed: %v", err)
	}
	user, err := service.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if user.TotalCreation != 1 {
		t.Fatalf("expected total creation 1, got %d", user.TotalCreation)
	}
}
