package auditmock

import (
	"context"
	"errors"
	"testing"

	"estatefund-escrow/internal/domain/audit"
)

func TestRepo_RecordsEntries(t *testing.T) {
	m := &Repo{}
	_ = m.Append(context.Background(), audit.New("sys", audit.ActionPaymentCompleted, "payment", "p1", audit.SeverityInfo, nil))
	_ = m.Append(context.Background(), audit.New("sys", audit.ActionEscrowRelease, "project", "P", audit.SeverityInfo, nil))

	got := m.Actions()
	if len(got) != 2 || got[0] != audit.ActionPaymentCompleted || got[1] != audit.ActionEscrowRelease {
		t.Fatalf("actions = %v", got)
	}
}

func TestRepo_AppendFnError(t *testing.T) {
	sentinel := errors.New("disk full")
	m := &Repo{AppendFn: func(context.Context, *audit.Entry) error { return sentinel }}
	if err := m.Append(context.Background(), &audit.Entry{}); !errors.Is(err, sentinel) {
		t.Fatalf("want %v, got %v", sentinel, err)
	}
	if len(m.Entries) != 0 {
		t.Fatalf("failed append must not be recorded")
	}
}
