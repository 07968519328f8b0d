// Package main is the entry point of SessionGuard service.
// It initializes the Kratos application with the diagnostics HTTP server
// and the maintenance job scheduler.
package main

import (
	"context"
	"flag"
	"os"

	"SessionGuard/internal/biz"
	"SessionGuard/internal/conf"
	zapLogger "SessionGuard/pkg/log"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"

	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name = "SessionGuard"
	// Version is the version of the compiled software.
	Version string
	// flagconf is the config flag.
	flagconf string

	id, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs/config.yaml", "config path, eg: -conf config.yaml")
}

func newApp(logger log.Logger, hs *http.Server, js *jobScheduler, guard *biz.Guard) *kratos.App {
	helper := zapLogger.NewLogHelper(logger)
	return kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		kratos.Server(
			hs,
			js,
		),
		// 恢复上次持久化的会话，下一次读取时再远程校验
		kratos.BeforeStart(func(ctx context.Context) error {
			s, err := guard.Restore(ctx)
			switch {
			case err != nil:
				helper.Warnw("msg", "failed to restore persisted session", "error", err)
			case s != nil:
				helper.Session("persisted session restored", "user_id", s.UserID)
			}
			return nil
		}),
	)
}

func main() {
	flag.Parse()

	// Load configuration using Viper with environment variable and CLI flag support
	bc, err := conf.NewBootstrap(flagconf)
	if err != nil {
		// Use fallback logger before Zap is initialized
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLog, err := zapLogger.NewZapLogger(bc.Log)
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}
	defer func() { _ = zapLog.Sync() }()

	logger := log.With(zapLogger.NewKratosAdapter(zapLog),
		"service.id", id,
		"service.name", Name,
		"service.version", Version,
	)

	zapLogger.NewLogHelper(logger).Startup("SessionGuard service starting",
		"log.level", bc.Log.Level,
		"log.format", bc.Log.Format,
		"log.env", bc.Log.Env,
		"http.addr", bc.Server.Http.Addr,
		"auth.base_url", bc.Auth.BaseURL,
	)

	app, cleanup, err := wireApp(bc.Server, bc.Data, bc.Auth, bc.Resilience, bc.Jobs, logger)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	// start and wait for stop signal
	if err := app.Run(); err != nil {
		panic(err)
	}
}
