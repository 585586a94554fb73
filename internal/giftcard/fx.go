package giftcard

import "go.uber.org/fx"

var Module = fx.Module("giftcard",
	fx.Provide(NewRepository),
)
