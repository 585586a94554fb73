// Command backfill replays history for one organization: it repairs stub
// locations, syncs the staff roster, pages order history through the
// ingestion pipeline, then drains the retry queue once and exits.
package main

import (
	"context"
	"errors"
	"flag"

	"github.com/bwmarrin/snowflake"
	"github.com/glosshouse/squaresync/internal/backfill"
	"github.com/glosshouse/squaresync/internal/booking"
	"github.com/glosshouse/squaresync/internal/clock"
	"github.com/glosshouse/squaresync/internal/config"
	"github.com/glosshouse/squaresync/internal/customer"
	"github.com/glosshouse/squaresync/internal/giftcard"
	"github.com/glosshouse/squaresync/internal/ingest"
	"github.com/glosshouse/squaresync/internal/linker"
	"github.com/glosshouse/squaresync/internal/migration"
	"github.com/glosshouse/squaresync/internal/observability"
	"github.com/glosshouse/squaresync/internal/order"
	"github.com/glosshouse/squaresync/internal/organization"
	"github.com/glosshouse/squaresync/internal/payment"
	"github.com/glosshouse/squaresync/internal/resolver"
	"github.com/glosshouse/squaresync/internal/retryqueue"
	"github.com/glosshouse/squaresync/internal/upstream"
	"github.com/glosshouse/squaresync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var merchantFlag = flag.String("merchant", "", "merchant id of the organization to backfill (defaults to SQUARE_MERCHANT_ID)")

func main() {
	flag.Parse()

	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		organization.Module,
		customer.Module,
		order.Module,
		booking.Module,
		payment.Module,
		giftcard.Module,
		resolver.Module,
		linker.Module,
		ingest.Module,
		upstream.Module,
		backfill.Module,

		// Retry infrastructure without the forever drain loop: the run
		// below drains once after the replay.
		fx.Provide(retryqueue.NewRepository),
		fx.Provide(retryqueue.NewScheduler),

		fx.Invoke(run),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

type runParams struct {
	fx.In

	Lc         fx.Lifecycle
	Shutdowner fx.Shutdowner
	Log        *zap.Logger
	Cfg        config.Config
	DB         *gorm.DB
	OrgRepo    *organization.Repository
	Backfill   *backfill.Service
	Scheduler  *retryqueue.Scheduler
}

func run(p runParams) {
	p.Lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				err := backfillOnce(context.Background(), p)
				if err != nil {
					p.Log.Error("backfill failed", zap.Error(err))
				}
				_ = p.Shutdowner.Shutdown()
			}()
			return nil
		},
	})
}

func backfillOnce(ctx context.Context, p runParams) error {
	merchantID := *merchantFlag
	if merchantID == "" {
		merchantID = p.Cfg.SquareMerchantID
	}
	if merchantID == "" {
		return errors.New("no merchant id: pass -merchant or set SQUARE_MERCHANT_ID")
	}

	org, err := p.OrgRepo.FindByMerchantID(ctx, p.DB, merchantID)
	if err != nil {
		return err
	}
	if org == nil {
		return errors.New("unknown merchant id: " + merchantID)
	}

	if err := p.Backfill.Run(ctx, org.ID); err != nil {
		return err
	}
	return p.Scheduler.RunOnce(ctx)
}
