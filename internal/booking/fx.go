package booking

import "go.uber.org/fx"

var Module = fx.Module("booking",
	fx.Provide(NewRepository),
)
