package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	table := Defaults()

	student := table.PolicyOf(RoleStudent)
	assert.False(t, student.UnlimitedCredits)
	assert.Equal(t, 50, student.MonthlyAILimit)
	assert.False(t, student.Unbounded())

	assert.True(t, table.PolicyOf(RoleTeacher).UnlimitedCredits)
	assert.True(t, table.PolicyOf(RoleAdmin).UnlimitedCredits)
}

func TestPolicyOfNormalizesRoleNames(t *testing.T) {
	table := Defaults()
	assert.True(t, table.PolicyOf("  Teacher ").UnlimitedCredits)
	assert.True(t, table.PolicyOf("ADMIN").UnlimitedCredits)
}

func TestPolicyOfUnknownRoleIsMeteredWithoutCap(t *testing.T) {
	p := Defaults().PolicyOf("moderator")
	assert.False(t, p.UnlimitedCredits)
	assert.True(t, p.Unbounded())
}

func TestReplaceSwapsWholeMapping(t *testing.T) {
	table := Defaults()
	table.Replace(map[Role]Policy{
		"Mentor ": {UnlimitedCredits: true},
		"":        {MonthlyAILimit: 5},
	})

	assert.True(t, table.PolicyOf("mentor").UnlimitedCredits)
	// Previous entries do not survive a replace.
	assert.False(t, table.PolicyOf(RoleTeacher).UnlimitedCredits)
	assert.Equal(t, Policy{}, table.PolicyOf(""))
}
