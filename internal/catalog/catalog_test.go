package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lernova/credits/internal/config"
	creditdomain "github.com/lernova/credits/internal/credit/domain"
	"github.com/lernova/credits/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newCatalog(t *testing.T, cfg config.Config) *Catalog {
	t.Helper()
	cat, err := New(Params{
		Cfg:      cfg,
		Log:      zap.NewNop(),
		Policies: policy.Defaults(),
	})
	require.NoError(t, err)
	return cat
}

func TestEmbeddedDefaults(t *testing.T) {
	cat := newCatalog(t, config.Config{})

	fc, err := cat.CostOf("ai_tutor")
	require.NoError(t, err)
	assert.Equal(t, int64(5), fc.Cost)
	assert.Equal(t, creditdomain.FeatureCategoryAI, fc.Category)

	fc, err = cat.CostOf("live_class")
	require.NoError(t, err)
	assert.Equal(t, int64(20), fc.Cost)
	assert.Equal(t, creditdomain.FeatureCategoryClass, fc.Category)
}

func TestCostOfNormalizesKeys(t *testing.T) {
	cat := newCatalog(t, config.Config{})

	fc, err := cat.CostOf("  AI_Tutor  ")
	require.NoError(t, err)
	assert.Equal(t, int64(5), fc.Cost)
}

func TestCostOfEmptyKey(t *testing.T) {
	cat := newCatalog(t, config.Config{})
	_, err := cat.CostOf("   ")
	assert.ErrorIs(t, err, creditdomain.ErrInvalidFeatureKey)
}

func TestCostOfUnknownKeyPermissive(t *testing.T) {
	cat := newCatalog(t, config.Config{})

	fc, err := cat.CostOf("beta_feature")
	require.NoError(t, err)
	assert.Equal(t, int64(0), fc.Cost)
	assert.Equal(t, creditdomain.FeatureCategoryOther, fc.Category)
}

func TestCostOfUnknownKeyStrict(t *testing.T) {
	cat := newCatalog(t, config.Config{Catalog: config.CatalogConfig{Strict: true}})
	_, err := cat.CostOf("beta_feature")
	assert.ErrorIs(t, err, creditdomain.ErrInvalidFeatureKey)
}

func TestLoadFromFileReplacesRolePolicies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := []byte(`
features:
  essay_grader:
    cost: 8
    category: ai
  forum_post: {}
roles:
  student:
    monthly_ai_limit: 10
  mentor:
    unlimited_credits: true
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	policies := policy.Defaults()
	cat, err := New(Params{
		Cfg:      config.Config{Catalog: config.CatalogConfig{Path: path}},
		Log:      zap.NewNop(),
		Policies: policies,
	})
	require.NoError(t, err)

	fc, err := cat.CostOf("essay_grader")
	require.NoError(t, err)
	assert.Equal(t, int64(8), fc.Cost)
	assert.Equal(t, creditdomain.FeatureCategoryAI, fc.Category)

	// Missing category defaults rather than leaking an empty tag.
	fc, err = cat.CostOf("forum_post")
	require.NoError(t, err)
	assert.Equal(t, creditdomain.FeatureCategoryOther, fc.Category)

	// Embedded defaults are fully replaced by the file.
	cat2 := newCatalog(t, config.Config{})
	assert.Greater(t, cat2.Len(), cat.Len())
	assert.Equal(t, 2, cat.Len())

	assert.Equal(t, 10, policies.PolicyOf("student").MonthlyAILimit)
	assert.True(t, policies.PolicyOf("mentor").UnlimitedCredits)
	// The role table was swapped wholesale; teacher came from defaults
	// and is gone once the file omits it.
	assert.False(t, policies.PolicyOf(policy.RoleTeacher).UnlimitedCredits)
}

func TestLoadFromMissingFileFails(t *testing.T) {
	_, err := New(Params{
		Cfg:      config.Config{Catalog: config.CatalogConfig{Path: "/nonexistent/catalog.yaml"}},
		Log:      zap.NewNop(),
		Policies: policy.Defaults(),
	})
	assert.Error(t, err)
}
