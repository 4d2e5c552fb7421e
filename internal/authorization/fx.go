package authorization

import "go.uber.org/fx"

// Module provides the casbin-backed authorization service.
var Module = fx.Module("authorization",
	fx.Provide(
		NewEnforcer,
		NewService,
	),
)
