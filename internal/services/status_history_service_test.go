package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	domain "github.com/maplecart/api/internal/domain"
)

type stubHistoryRepo struct {
	appendFn func(ctx context.Context, entry domain.StatusHistoryEntry) error
	entries  []domain.StatusHistoryEntry
}

func (s *stubHistoryRepo) Append(ctx context.Context, entry domain.StatusHistoryEntry) error {
	if s.appendFn != nil {
		if err := s.appendFn(ctx, entry); err != nil {
			return err
		}
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubHistoryRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.StatusHistoryEntry, error) {
	var out []domain.StatusHistoryEntry
	for _, entry := range s.entries {
		if entry.OrderID == orderID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type capturingLogger struct {
	messages []string
}

func (l *capturingLogger) Warnf(format string, args ...any) {
	l.messages = append(l.messages, fmt.Sprintf(format, args...))
}

func newHistoryService(t *testing.T, repo *stubHistoryRepo, logger HistoryLogger) StatusHistoryService {
	t.Helper()
	svc, err := NewStatusHistoryService(StatusHistoryServiceDeps{
		Repository: repo,
		Clock:      func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) },
		IDGenerator: func() string {
			return "01TESTHISTORY"
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewStatusHistoryService: %v", err)
	}
	return svc
}

func TestRecordPersistsEntryWithDefaults(t *testing.T) {
	repo := &stubHistoryRepo{}
	svc := newHistoryService(t, repo, nil)

	svc.Record(context.Background(), StatusHistoryRecord{
		OrderID:  "ord_1",
		ToStatus: domain.OrderStatusPending,
	})

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.ID != "osh_01TESTHISTORY" {
		t.Errorf("unexpected entry id: %s", entry.ID)
	}
	if entry.FromStatus != nil {
		t.Errorf("expected nil from status, got %v", *entry.FromStatus)
	}
	if entry.ChangedByEmail != "system@example.com" {
		t.Errorf("expected system email default, got %s", entry.ChangedByEmail)
	}
	if !entry.ChangedAt.Equal(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("expected clock timestamp, got %v", entry.ChangedAt)
	}
}

func TestRecordTruncatesLongNotes(t *testing.T) {
	repo := &stubHistoryRepo{}
	svc := newHistoryService(t, repo, nil)

	svc.Record(context.Background(), StatusHistoryRecord{
		OrderID:  "ord_1",
		ToStatus: domain.OrderStatusShipped,
		Note:     strings.Repeat("n", 6000),
	})

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	if got := len(repo.entries[0].Note); got != 5000 {
		t.Errorf("expected note capped at 5000 chars, got %d", got)
	}
}

func TestRecordNeverPropagatesRepositoryFailures(t *testing.T) {
	repo := &stubHistoryRepo{
		appendFn: func(ctx context.Context, entry domain.StatusHistoryEntry) error {
			return errors.New("firestore unavailable")
		},
	}
	logger := &capturingLogger{}
	svc := newHistoryService(t, repo, logger)

	svc.Record(context.Background(), StatusHistoryRecord{
		OrderID:  "ord_1",
		ToStatus: domain.OrderStatusPaid,
	})

	if len(logger.messages) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(logger.messages))
	}
	if !strings.Contains(logger.messages[0], "ord_1") {
		t.Errorf("expected warning to name the order, got %q", logger.messages[0])
	}
}

func TestRecordDropsEntriesWithoutOrderID(t *testing.T) {
	repo := &stubHistoryRepo{}
	logger := &capturingLogger{}
	svc := newHistoryService(t, repo, logger)

	svc.Record(context.Background(), StatusHistoryRecord{ToStatus: domain.OrderStatusPaid})

	if len(repo.entries) != 0 {
		t.Error("expected no entry persisted without an order id")
	}
	if len(logger.messages) != 1 {
		t.Errorf("expected a warning, got %d", len(logger.messages))
	}
}

func TestListRequiresOrderID(t *testing.T) {
	svc := newHistoryService(t, &stubHistoryRepo{}, nil)

	if _, err := svc.List(context.Background(), "  "); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}
