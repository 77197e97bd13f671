package queue

import (
	"errors"
	"testing"

	"github.com/alekspetrov/llp/internal/issues"
)

func mk(id string, priority int) *issues.Issue {
	return &issues.Issue{ID: id, Priority: priority}
}

func popID(t *testing.T, q *Queue) string {
	t.Helper()
	issue, err := q.Pop()
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	return issue.ID
}

func TestPopOrder(t *testing.T) {
	q := New()
	q.Push(mk("FEAT-020", 2))
	q.Push(mk("BUG-001", 0))
	q.Push(mk("BUG-010", 0))
	q.Push(mk("ENH-005", 4))

	want := []string{"BUG-001", "BUG-010", "FEAT-020", "ENH-005"}
	for _, id := range want {
		if got := popID(t, q); got != id {
			t.Errorf("Pop = %q, want %q", got, id)
		}
	}
}

func TestPopEmpty(t *testing.T) {
	q := New()
	if _, err := q.Pop(); !errors.Is(err, ErrEmpty) {
		t.Errorf("Pop on empty queue = %v, want ErrEmpty", err)
	}
}

func TestFIFOAmongEqualKeys(t *testing.T) {
	q := New()
	first := mk("BUG-001", 1)
	second := mk("BUG-001", 1)
	q.Push(first)
	q.Push(second)

	got, err := q.Pop()
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if got != first {
		t.Error("entries sharing a key should pop in insertion order")
	}
}

func TestRequeueDemotes(t *testing.T) {
	q := New()
	hot := mk("BUG-001", 0)
	q.Push(hot)
	q.Push(mk("BUG-002", 0))
	q.Push(mk("FEAT-003", 2))

	// Overlap deferral: BUG-001 goes back one tier down.
	if got := popID(t, q); got != "BUG-001" {
		t.Fatalf("Pop = %q, want BUG-001", got)
	}
	q.Requeue(hot, 1)

	want := []string{"BUG-002", "BUG-001", "FEAT-003"}
	for _, id := range want {
		if got := popID(t, q); got != id {
			t.Errorf("Pop = %q, want %q", got, id)
		}
	}
}

func TestRequeueAccumulates(t *testing.T) {
	q := New()
	issue := mk("BUG-001", 0)
	q.Push(issue)

	popID(t, q)
	q.Requeue(issue, 1)
	popID(t, q)
	q.Requeue(issue, 1)

	q.Push(mk("ENH-009", 1))

	// Two demotions put BUG-001 at tier 2, behind the fresh tier-1 issue.
	if got := popID(t, q); got != "ENH-009" {
		t.Errorf("Pop = %q, want ENH-009", got)
	}
	if got := popID(t, q); got != "BUG-001" {
		t.Errorf("Pop = %q, want BUG-001", got)
	}
}

func TestRequeueZeroKeepsTier(t *testing.T) {
	q := New()
	blocked := mk("FEAT-002", 0)
	q.Push(blocked)
	q.Push(mk("FEAT-009", 1))

	// Dependency deferral keeps the tier; the issue stays ahead of
	// lower-priority work.
	popID(t, q)
	q.Requeue(blocked, 0)

	if got := popID(t, q); got != "FEAT-002" {
		t.Errorf("Pop = %q, want FEAT-002", got)
	}
}

func TestLen(t *testing.T) {
	q := New()
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
	q.Push(mk("BUG-001", 1))
	q.Push(mk("BUG-002", 1))
	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2", q.Len())
	}
	popID(t, q)
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}
