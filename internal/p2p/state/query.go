package state

import (
	"time"

	"github.com/execution-hub/duel-escrow/internal/domain/admin"
	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

func pageWindow(total, limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return total, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return offset, end
}

func cloneEvent(in Event) Event {
	if in.Payload != nil {
		in.Payload = append([]byte(nil), in.Payload...)
	}
	return in
}

func (m *Machine) GetMatch(id uint64) (match.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine.GetMatch(id)
}

func (m *Machine) Pot(id uint64) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine.Pot(id)
}

// ListMatches returns matches in id order that satisfy filter.
func (m *Machine) ListMatches(filter string, limit, offset int) ([]match.Match, error) {
	f, err := compileFilter(filter)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	all := m.engine.Matches()
	m.mu.RUnlock()

	out := make([]match.Match, 0, len(all))
	for _, item := range all {
		ok, err := f.Matches(item)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, item)
		}
	}
	start, end := pageWindow(len(out), limit, offset)
	return append([]match.Match(nil), out[start:end]...), nil
}

// ListEvents returns up to limit events with a sequence number above after.
func (m *Machine) ListEvents(after uint64, limit int) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := len(m.events)
	if after >= uint64(total) {
		return []Event{}
	}
	start, end := pageWindow(total, limit, int(after))
	out := make([]Event, 0, end-start)
	for _, ev := range m.events[start:end] {
		out = append(out, cloneEvent(ev))
	}
	return out
}

// ListMatchEvents returns the timeline of one match, oldest first.
func (m *Machine) ListMatchEvents(id uint64, limit, offset int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.engine.GetMatch(id); err != nil {
		return nil, err
	}
	items := make([]Event, 0)
	for _, ev := range m.events {
		if ev.MatchID == id {
			items = append(items, ev)
		}
	}
	start, end := pageWindow(len(items), limit, offset)
	out := make([]Event, 0, end-start)
	for _, ev := range items[start:end] {
		out = append(out, cloneEvent(ev))
	}
	return out, nil
}

// Receipt returns the stored outcome of a tx.
func (m *Machine) Receipt(txID string) (Receipt, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[txID]
	return r, ok
}

func (m *Machine) Balance(token string, account match.Address) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.book.Balance(token, account)
}

func (m *Machine) Allowance(token string, owner, spender match.Address) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.book.Allowance(token, owner, spender)
}

func (m *Machine) Config() admin.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine.Config()
}

// Clock returns the latest applied tx time.
func (m *Machine) Clock() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clock
}

type Stats struct {
	Matches   int       `json:"matches"`
	Created   int       `json:"created"`
	Started   int       `json:"started"`
	Resolved  int       `json:"resolved"`
	Refunded  int       `json:"refunded"`
	Escrowed  uint64    `json:"escrowed"`
	Events    int       `json:"events"`
	AppliedTx int       `json:"appliedTx"`
	Rejected  int       `json:"rejectedTx"`
	Clock     time.Time `json:"clock"`
}

func (m *Machine) StateStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		Events: len(m.events),
		Clock:  m.clock,
	}
	for _, item := range m.engine.Matches() {
		stats.Matches++
		stats.Escrowed += item.Pot()
		switch item.Status {
		case match.StatusCreated:
			stats.Created++
		case match.StatusStarted:
			stats.Started++
		case match.StatusResolved:
			stats.Resolved++
		case match.StatusRefunded:
			stats.Refunded++
		}
	}
	for _, r := range m.receipts {
		if r.Status == ReceiptRejected {
			stats.Rejected++
			continue
		}
		stats.AppliedTx++
	}
	return stats
}
