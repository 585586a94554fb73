package backfill

import (
	"github.com/glosshouse/squaresync/internal/retryqueue"
	"go.uber.org/fx"
)

var Module = fx.Module("backfill",
	fx.Provide(New),
	fx.Provide(
		fx.Annotate(
			NewGiftCardSyncHandler,
			fx.As(new(retryqueue.Handler)),
			fx.ResultTags(`group:"retry_handlers"`),
		),
		fx.Annotate(
			NewLocationBackfillHandler,
			fx.As(new(retryqueue.Handler)),
			fx.ResultTags(`group:"retry_handlers"`),
		),
		fx.Annotate(
			NewOrderBackfillHandler,
			fx.As(new(retryqueue.Handler)),
			fx.ResultTags(`group:"retry_handlers"`),
		),
	),
)
