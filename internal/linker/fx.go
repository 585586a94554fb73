package linker

import (
	"github.com/glosshouse/squaresync/internal/retryqueue"
	"go.uber.org/fx"
)

var Module = fx.Module("linker",
	fx.Provide(New),
	fx.Provide(
		fx.Annotate(
			NewPaymentLinkHandler,
			fx.As(new(retryqueue.Handler)),
			fx.ResultTags(`group:"retry_handlers"`),
		),
		fx.Annotate(
			NewStaffLinkHandler,
			fx.As(new(retryqueue.Handler)),
			fx.ResultTags(`group:"retry_handlers"`),
		),
	),
)
