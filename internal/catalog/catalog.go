package catalog

import (
	"bytes"
	_ "embed"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	creditdomain "github.com/lernova/credits/internal/credit/domain"
	"github.com/lernova/credits/internal/policy"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultCatalog []byte

// FeatureCost is the configured price of one metered feature.
type FeatureCost struct {
	Cost     int64                        `mapstructure:"cost" json:"cost"`
	Category creditdomain.FeatureCategory `mapstructure:"category" json:"category"`
}

type fileCatalog struct {
	Features map[string]FeatureCost `mapstructure:"features"`
	Roles    map[string]rolePolicy  `mapstructure:"roles"`
}

type rolePolicy struct {
	UnlimitedCredits bool `mapstructure:"unlimited_credits"`
	MonthlyAILimit   int  `mapstructure:"monthly_ai_limit"`
}

// Catalog resolves feature keys to costs. Lookups are served from an
// in-memory snapshot swapped wholesale on reload, so a partially read
// file never leaks into lookups.
type Catalog struct {
	log      *zap.Logger
	strict   bool
	policies *policy.Table

	mu       sync.RWMutex
	features map[string]FeatureCost
}

// CostOf resolves a feature key. Unknown keys are free in permissive
// mode and rejected with ErrInvalidFeatureKey in strict mode.
func (c *Catalog) CostOf(featureKey string) (FeatureCost, error) {
	key := strings.ToLower(strings.TrimSpace(featureKey))
	if key == "" {
		return FeatureCost{}, creditdomain.ErrInvalidFeatureKey
	}

	c.mu.RLock()
	fc, ok := c.features[key]
	c.mu.RUnlock()
	if ok {
		if fc.Category == "" {
			fc.Category = creditdomain.FeatureCategoryOther
		}
		return fc, nil
	}
	if c.strict {
		return FeatureCost{}, creditdomain.ErrInvalidFeatureKey
	}
	return FeatureCost{Cost: 0, Category: creditdomain.FeatureCategoryOther}, nil
}

// Len reports the number of configured features.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.features)
}

func (c *Catalog) apply(fc fileCatalog) {
	features := make(map[string]FeatureCost, len(fc.Features))
	for key, cost := range fc.Features {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if cost.Category == "" {
			cost.Category = creditdomain.FeatureCategoryOther
		}
		features[key] = cost
	}

	c.mu.Lock()
	c.features = features
	c.mu.Unlock()

	if len(fc.Roles) > 0 && c.policies != nil {
		policies := make(map[policy.Role]policy.Policy, len(fc.Roles))
		for name, rp := range fc.Roles {
			policies[policy.Role(name)] = policy.Policy{
				UnlimitedCredits: rp.UnlimitedCredits,
				MonthlyAILimit:   rp.MonthlyAILimit,
			}
		}
		c.policies.Replace(policies)
	}

	c.log.Info("catalog loaded", zap.Int("features", len(features)), zap.Int("roles", len(fc.Roles)))
}

func loadEmbedded(v *viper.Viper) (fileCatalog, error) {
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaultCatalog)); err != nil {
		return fileCatalog{}, err
	}
	var fc fileCatalog
	if err := v.Unmarshal(&fc); err != nil {
		return fileCatalog{}, err
	}
	return fc, nil
}

func loadFile(v *viper.Viper, path string) (fileCatalog, error) {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fileCatalog{}, err
	}
	var fc fileCatalog
	if err := v.Unmarshal(&fc); err != nil {
		return fileCatalog{}, err
	}
	return fc, nil
}

func (c *Catalog) watch(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		var fc fileCatalog
		if err := v.Unmarshal(&fc); err != nil {
			c.log.Warn("catalog reload failed, keeping previous snapshot",
				zap.String("file", e.Name), zap.Error(err))
			return
		}
		c.apply(fc)
	})
	v.WatchConfig()
}
