package auditmock

import (
	"context"
	"sync"

	"estatefund-escrow/internal/domain/audit"
)

var _ audit.Repository = (*Repo)(nil)

// Repo records appended entries; AppendFn, when set, decides the result.
type Repo struct {
	mu       sync.Mutex
	AppendFn func(ctx context.Context, e *audit.Entry) error
	Entries  []*audit.Entry
}

func (m *Repo) Append(ctx context.Context, e *audit.Entry) error {
	if m.AppendFn != nil {
		if err := m.AppendFn(ctx, e); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.Entries = append(m.Entries, e)
	m.mu.Unlock()
	return nil
}

// Actions lists the recorded actions in order.
func (m *Repo) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		out = append(out, e.Action)
	}
	return out
}
