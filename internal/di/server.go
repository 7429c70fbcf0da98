package di

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/harbor-go/internal/admin"
	"github.com/jrjohn/harbor-go/internal/config"
	"github.com/jrjohn/harbor-go/internal/observability"
	"github.com/jrjohn/harbor-go/pkg/odm"
)

// HTTPServerModule serves the admin endpoints on metrics.listen_addr. No
// server is started when the address is empty.
var HTTPServerModule = fx.Module("http_server",
	fx.Provide(provideAdminRouter),
	fx.Invoke(startHTTPServer),
)

// AdminParams holds the dependencies of the admin router.
type AdminParams struct {
	fx.In

	Conn    *odm.Connection
	Metrics *observability.MetricsProvider
	Cfg     *observability.MetricsConfig
	App     *config.AppConfig
	Admin   *config.AdminConfig
	Logger  *zap.Logger
}

func provideAdminRouter(p AdminParams) (*gin.Engine, error) {
	if p.App.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	var metrics http.Handler
	if p.Cfg.Enabled {
		metrics = p.Metrics.Handler()
	}
	logger := p.Logger.Named("admin")
	auth := admin.NewAuthenticator(p.Admin.JWTSecret, p.Admin.JWTIssuer)
	if auth == nil && p.Cfg.ListenAddr != "" {
		logger.Warn("admin.jwt_secret is empty, model routes are unauthenticated")
	}
	h, err := admin.NewHandler(p.Conn, metrics, p.Cfg.PrometheusPath,
		admin.WithAuthenticator(auth),
		admin.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("build admin handler: %w", err)
	}
	return admin.NewRouter(h, logger), nil
}

func startHTTPServer(lc fx.Lifecycle, router *gin.Engine, cfg *observability.MetricsConfig, logger *zap.Logger) {
	if cfg.ListenAddr == "" {
		return
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Listen synchronously so a bad address fails startup.
			ln, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return err
			}
			logger.Info("Starting admin HTTP server", zap.String("address", ln.Addr().String()))
			go func() {
				if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin HTTP server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping admin HTTP server")
			return server.Shutdown(ctx)
		},
	})
}
