package main

import (
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
	"github.com/glosshouse/squaresync/internal/server"
	"github.com/glosshouse/squaresync/internal/upstream"
	"github.com/glosshouse/squaresync/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain
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
		retryqueue.Module,

		server.Module,
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
