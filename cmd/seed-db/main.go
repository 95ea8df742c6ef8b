// Command seed-db populates a database with demo orders for local development
// and integration environments. Seeding goes through the fulfillment service,
// so audit rows and outbox events are written exactly as in production.
// Idempotent: rerunning against a seeded database changes nothing.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/fulfillment/internal/domain/fulfillment"
	"github.com/xenking/fulfillment/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		walk        bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.BoolVar(&walk, "walk", true, "advance seeded items through a few transitions")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, walk); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL string, walk bool) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	svc := fulfillment.NewService(postgres.NewFulfillmentStore(pool), nil, zap.NewNop())

	for _, seed := range demoOrders() {
		order, err := svc.CreateOrder(ctx, seed.req)
		if err != nil {
			return errors.Wrapf(err, "create order %s", seed.req.OrderNumber)
		}
		slog.Info("seeded order",
			slog.String("order_number", order.OrderNumber),
			slog.String("id", order.ID),
			slog.Int("items", len(order.Items)),
		)

		if !walk {
			continue
		}
		for i, targets := range seed.walks {
			if i >= len(order.Items) {
				break
			}
			item := order.Items[i]
			for _, target := range targets {
				res, err := svc.AttemptTransition(ctx, fulfillment.TransitionRequest{
					LineItemID: item.ID,
					Target:     target,
					Reason:     "seeded demo transition",
					ActorID:    "system:seed",
				})
				if err != nil {
					var invalid *fulfillment.InvalidTransitionError
					if errors.As(err, &invalid) {
						// Walked past this point on a previous run.
						break
					}
					return errors.Wrapf(err, "advance item %s to %s", item.ID, target)
				}
				if res.NoOp {
					break
				}
			}
		}
	}

	return nil
}

type seedOrder struct {
	req fulfillment.CreateOrderRequest
	// walks holds the transition targets to apply per item, index-aligned
	// with req.Items.
	walks [][]fulfillment.Status
}

func demoOrders() []seedOrder {
	return []seedOrder{
		{
			req: fulfillment.CreateOrderRequest{
				OrderNumber: "DEMO-1001",
				UserID:      "demo-user-1",
				Currency:    "EUR",
				Shipping:    500,
				Items: []fulfillment.NewLineItem{{
					MerchantID:  "demo-merchant-home",
					ProductID:   "demo-mug",
					Type:        fulfillment.TypePhysical,
					Quantity:    2,
					UnitPrice:   1250,
					ProductName: "Stoneware Mug",
					ProductSKU:  "MUG-STN-01",
				}},
			},
			walks: [][]fulfillment.Status{{
				fulfillment.StatusPaymentConfirmed,
				fulfillment.StatusPreparing,
				fulfillment.StatusReadyToShip,
			}},
		},
		{
			req: fulfillment.CreateOrderRequest{
				OrderNumber: "DEMO-1002",
				GuestEmail:  "guest@example.com",
				Currency:    "EUR",
				Items: []fulfillment.NewLineItem{{
					MerchantID:  "demo-merchant-media",
					ProductID:   "demo-presets",
					Type:        fulfillment.TypeDigital,
					Quantity:    1,
					UnitPrice:   900,
					ProductName: "Photo Preset Pack",
					ProductSKU:  "PRESET-02",
				}},
			},
			walks: [][]fulfillment.Status{{
				fulfillment.StatusPaymentConfirmed,
				fulfillment.StatusAccessGranted,
				fulfillment.StatusDownloaded,
			}},
		},
		{
			req: fulfillment.CreateOrderRequest{
				OrderNumber: "DEMO-1003",
				UserID:      "demo-user-2",
				Currency:    "EUR",
				Tax:         950,
				Items: []fulfillment.NewLineItem{
					{
						MerchantID:  "demo-merchant-studio",
						ProductID:   "demo-session",
						Type:        fulfillment.TypeService,
						Quantity:    1,
						UnitPrice:   5000,
						ProductName: "Portrait Session",
						ProductSKU:  "SESSION-03",
					},
					{
						MerchantID:  "demo-merchant-home",
						ProductID:   "demo-vase",
						Type:        fulfillment.TypePhysical,
						Quantity:    1,
						UnitPrice:   3200,
						ProductName: "Ceramic Vase",
						ProductSKU:  "VASE-04",
					},
				},
			},
			walks: [][]fulfillment.Status{
				{
					fulfillment.StatusPaymentConfirmed,
					fulfillment.StatusBookingConfirmed,
				},
				{
					fulfillment.StatusPaymentConfirmed,
				},
			},
		},
	}
}
