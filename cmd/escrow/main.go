package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"lumora-core/pkg/config"
	"lumora-core/pkg/db"
	"lumora-core/pkg/logger"
	"lumora-core/pkg/middleware"
	"lumora-core/pkg/pubsub"
	"lumora-core/pkg/redis"
	"lumora-core/pkg/sequence"
	"lumora-core/pkg/task"
	"lumora-core/services/chat"
	"lumora-core/services/collab"
	"lumora-core/services/ledger"
	"lumora-core/services/moderation"
	"lumora-core/services/order"

	"github.com/bwmarrin/snowflake"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(options()...)
	app.Run()
}

func options() []fx.Option {
	return []fx.Option{
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),

		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		sequence.Module,
		pubsub.Module,

		fx.Provide(provideSnowflakeNode),
		fx.Provide(provideCollaborators),
		fx.Provide(func(s *chat.Service) order.Announcer { return s }),

		moderation.Module,
		ledger.Module,
		ledger.TaskModule,
		order.Module,
		order.TaskModule,
		chat.Module,

		fx.Invoke(autoMigrate),
		fx.Invoke(registerHTTPServer),
	}
}

func provideSnowflakeNode() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		zap.L().Error("failed to create snowflake node", zap.Error(err))
		os.Exit(1)
	}
	return node
}

type collaborators struct {
	fx.Out

	Catalog  collab.Catalog
	Payments collab.Payments
	Notifier collab.Notifier
}

// provideCollaborators wires the platform integrations. Catalog, payments
// and push live in sibling services reached over the internal gateway; until
// those endpoints are configured the stubs below fail loudly instead of
// inventing data.
func provideCollaborators() collaborators {
	return collaborators{
		Catalog:  collab.NewCachedCatalog(unconfiguredCatalog{}, 5*time.Minute),
		Payments: loggingPayments{},
		Notifier: loggingNotifier{},
	}
}

type unconfiguredCatalog struct{}

func (unconfiguredCatalog) GetService(context.Context, string) (collab.ServiceSnapshot, error) {
	return collab.ServiceSnapshot{}, errors.New("catalog integration is not configured")
}

type loggingPayments struct{}

func (loggingPayments) Refund(_ context.Context, orderID string) error {
	zap.L().Info("refund requested", zap.String("order_id", orderID))
	return nil
}

type loggingNotifier struct{}

func (loggingNotifier) Notify(_ context.Context, userID, title, body, tag string) error {
	zap.L().Info("notification requested",
		zap.String("user_id", userID),
		zap.String("title", title),
		zap.String("tag", tag),
	)
	return nil
}

func autoMigrate(gdb *gorm.DB) {
	if err := gdb.AutoMigrate(
		&order.Order{},
		&ledger.LedgerEntry{},
		&chat.Message{},
	); err != nil {
		zap.L().Error("[DB] Failed to run migrations", zap.Error(err))
		os.Exit(1)
	}
}

type httpServerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	WS        *chat.WSHandler
}

func registerHTTPServer(p httpServerParams) {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.ErrorHandler())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	p.WS.Register(e)

	// no read/write timeouts: the channel sockets are long-lived
	srv := &http.Server{
		Addr:        p.Config.Server.Addr,
		Handler:     e,
		IdleTimeout: p.Config.Server.IdleTimeout,
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				zap.L().Info("[HTTP] server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					zap.L().Error("[HTTP] server failed", zap.Error(err))
					os.Exit(1)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
