package health

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status values, from best to worst.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

func severity(state string) int {
	switch state {
	case StateHealthy:
		return 0
	case StateDegraded:
		return 1
	default:
		return 2
	}
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy reports component as working.
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewDegraded reports component as working with failures.
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// NewUnhealthy reports component as not working.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// Aggregate takes the worst state of subs. The message names the parts that
// are not healthy; subs are attached sorted by component.
func Aggregate(component string, subs []Status) Status {
	sorted := make([]Status, len(subs))
	copy(sorted, subs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Component < sorted[j].Component })

	worst := StateHealthy
	var failing []string
	for _, s := range sorted {
		if severity(s.Status) > severity(worst) {
			worst = s.Status
		}
		if s.Status != StateHealthy {
			failing = append(failing, s.Component)
		}
	}

	msg := fmt.Sprintf("%d parts healthy", len(sorted))
	if len(failing) > 0 {
		msg = fmt.Sprintf("%s: %s", worst, strings.Join(failing, ", "))
	}

	agg := newStatus(component, worst, msg)
	if len(sorted) > 0 {
		agg.SubStatuses = sorted
	}
	return agg
}

// Board holds the latest status reported by each part of the router.
type Board struct {
	mu    sync.Mutex
	parts map[string]Status
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{parts: make(map[string]Status)}
}

// Set records s under s.Component, replacing the previous report.
func (b *Board) Set(s Status) {
	b.mu.Lock()
	b.parts[s.Component] = s
	b.mu.Unlock()
}

// Statuses returns the reports ordered by component.
func (b *Board) Statuses() []Status {
	b.mu.Lock()
	out := make([]Status, 0, len(b.parts))
	for _, s := range b.parts {
		out = append(out, s)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}
