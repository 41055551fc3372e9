// rmsd is the rights-management service daemon: it migrates the schema,
// mounts the JSON account endpoints, and serves them over HTTP.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-router"
	"github.com/spf13/pflag"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	rms "github.com/zolinga/go-rms"
	"github.com/zolinga/go-rms/provider/google"
)

type persistenceConfig struct {
	dsn   string
	debug bool
}

func (c persistenceConfig) GetDSN() string                { return c.dsn }
func (c persistenceConfig) GetDebug() bool                { return c.debug }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetDriver() string             { return "sqlite" }
func (c persistenceConfig) GetServer() string             { return c.dsn }
func (c persistenceConfig) GetOtelIdentifier() string     { return "" }

// glogAdapter bridges the printf-style core logger onto glog's structured one.
type glogAdapter struct {
	lgr glog.Logger
}

func (a glogAdapter) Debug(format string, args ...any) { a.lgr.Debug(fmt.Sprintf(format, args...)) }
func (a glogAdapter) Info(format string, args ...any)  { a.lgr.Info(fmt.Sprintf(format, args...)) }
func (a glogAdapter) Warn(format string, args ...any)  { a.lgr.Warn(fmt.Sprintf(format, args...)) }
func (a glogAdapter) Error(format string, args ...any) { a.lgr.Error(fmt.Sprintf(format, args...)) }

func main() {
	var (
		dsn            = pflag.String("dsn", "file:rms.db?cache=shared&mode=rwc", "database DSN")
		listen         = pflag.String("listen", ":8572", "listen address")
		debug          = pflag.Bool("debug", false, "enable debug output")
		secure         = pflag.Bool("secure", true, "requests arrive over TLS (terminated here or upstream)")
		googleClientID = pflag.String("google-client-id", "", "OAuth client id enabling Google sign-in")
		sessionMaxIdle = pflag.Duration("session-max-idle", 30*24*time.Hour, "purge sessions idle longer than this")
	)
	pflag.Parse()

	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Info),
		glog.WithName("rmsd"),
		glog.WithRichErrorHandler(errors.ToSlogAttributes),
	)
	log := glogAdapter{lgr: lgr.GetLogger("rms")}

	ctx := context.Background()

	sqldb, err := sql.Open(sqliteshim.ShimName, *dsn)
	if err != nil {
		lgr.Error("opening database", "error", err)
		os.Exit(1)
	}

	persistence.RegisterModel((*rms.UserRecord)(nil))
	persistence.RegisterModel((*rms.MetaRecord)(nil))
	persistence.RegisterModel((*rms.CommandRecord)(nil))
	persistence.RegisterModel((*rms.RightRecord)(nil))
	persistence.RegisterModel((*rms.SessionRecord)(nil))

	client, err := persistence.New(persistenceConfig{dsn: *dsn, debug: *debug}, sqldb, sqlitedialect.New())
	if err != nil {
		lgr.Error("initializing persistence", "error", err)
		os.Exit(1)
	}
	client.SetLogger(lgr.GetLogger("persistence"))

	migrationsFS, err := fs.Sub(rms.GetMigrationsFS(), "data/sql/migrations")
	if err != nil {
		lgr.Error("scoping migrations", "error", err)
		os.Exit(1)
	}
	client.RegisterDialectMigrations(
		migrationsFS,
		persistence.WithDialectSourceLabel("data/sql/migrations"),
		persistence.WithValidationTargets("postgres", "sqlite"),
	)
	if err := client.ValidateDialects(ctx); err != nil {
		lgr.Error("validating migrations", "error", err)
		os.Exit(1)
	}
	if err := client.Migrate(ctx); err != nil {
		lgr.Error("migrating", "error", err)
		os.Exit(1)
	}

	db := client.DB()

	cfg := rms.DefaultConfig{Debug: *debug}
	registry := rms.NewRegistry(rms.NewStore(db),
		rms.WithLogger(log),
		rms.WithConfig(cfg),
	)

	opts := []rms.HTTPControllerOption{
		rms.WithHTTPLogger(log),
		rms.WithHTTPConfig(cfg),
		rms.WithSecureTransport(*secure),
	}
	if *googleClientID != "" {
		verifier, err := google.NewVerifier(google.Config{
			ClientID: *googleClientID,
			Logger:   log,
		})
		if err != nil {
			lgr.Error("initializing google verifier", "error", err)
			os.Exit(1)
		}
		defer verifier.Close()
		opts = append(opts, rms.WithVerifier(verifier))
	}

	controller := rms.NewHTTPController(registry, db, opts...)
	controller.Debug = *debug

	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath: true,
		}))
	})

	controller.RegisterRoutes(srv.Router())

	go purgeSessions(ctx, db, *sessionMaxIdle, log)

	lgr.Info("serving", "addr", *listen)
	srv.Serve(*listen)

	waitExitSignal()
}

// purgeSessions sweeps stale session rows once a day.
func purgeSessions(ctx context.Context, db *bun.DB, maxIdle time.Duration, log rms.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		n, err := rms.PurgeSessions(ctx, db, maxIdle)
		if err != nil {
			log.Error("purging sessions: %v", err)
			continue
		}
		if n > 0 {
			log.Info("purged %d stale sessions", n)
		}
	}
}

func waitExitSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
