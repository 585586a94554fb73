package customer

import "go.uber.org/fx"

var Module = fx.Module("customer",
	fx.Provide(NewRepository),
)
