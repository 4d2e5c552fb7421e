package policy

import (
	"strings"
	"sync"

	"go.uber.org/fx"
)

// Module provides the role policy table with built-in defaults. The
// catalog loader replaces the table contents when a catalog file
// carries a roles section.
var Module = fx.Module("policy", fx.Provide(Defaults))

// Role classifies an authenticated platform user.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Policy describes how the credit meter treats a role.
type Policy struct {
	// UnlimitedCredits exempts the role from metering entirely.
	UnlimitedCredits bool
	// MonthlyAILimit caps AI feature uses per calendar month.
	// Zero or negative means no cap.
	MonthlyAILimit int
}

// Unbounded reports whether the role has no monthly AI cap.
func (p Policy) Unbounded() bool {
	return p.MonthlyAILimit <= 0
}

// Table maps roles to policies. Safe for concurrent readers; Replace
// swaps the whole mapping on catalog reload.
type Table struct {
	mu       sync.RWMutex
	policies map[Role]Policy
}

// Defaults returns a table with the platform's built-in roles:
// students are metered with a monthly AI cap, teachers and admins
// bypass metering.
func Defaults() *Table {
	return &Table{
		policies: map[Role]Policy{
			RoleStudent: {MonthlyAILimit: 50},
			RoleTeacher: {UnlimitedCredits: true},
			RoleAdmin:   {UnlimitedCredits: true},
		},
	}
}

// PolicyOf returns the policy for a role. Unknown roles are metered
// with no AI cap, the safe default for new role names.
func (t *Table) PolicyOf(role Role) Policy {
	normalized := Role(strings.ToLower(strings.TrimSpace(string(role))))
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.policies[normalized]; ok {
		return p
	}
	return Policy{}
}

// Replace swaps the entire mapping. Entries with empty role names are
// dropped.
func (t *Table) Replace(policies map[Role]Policy) {
	next := make(map[Role]Policy, len(policies))
	for role, p := range policies {
		normalized := Role(strings.ToLower(strings.TrimSpace(string(role))))
		if normalized == "" {
			continue
		}
		next[normalized] = p
	}
	t.mu.Lock()
	t.policies = next
	t.mu.Unlock()
}
