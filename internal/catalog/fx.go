package catalog

import (
	"github.com/lernova/credits/internal/config"
	"github.com/lernova/credits/internal/policy"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the feature cost catalog.
var Module = fx.Module("catalog",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Cfg      config.Config
	Log      *zap.Logger
	Policies *policy.Table
}

// New builds the catalog from the configured file, falling back to the
// embedded defaults when no path is set. A file-backed catalog is
// watched and hot-reloaded in place.
func New(p Params) (*Catalog, error) {
	c := &Catalog{
		log:      p.Log.Named("catalog"),
		strict:   p.Cfg.Catalog.Strict,
		policies: p.Policies,
		features: map[string]FeatureCost{},
	}

	v := viper.New()
	if p.Cfg.Catalog.Path == "" {
		fc, err := loadEmbedded(v)
		if err != nil {
			return nil, err
		}
		c.apply(fc)
		return c, nil
	}

	fc, err := loadFile(v, p.Cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	c.apply(fc)
	c.watch(v)
	return c, nil
}
