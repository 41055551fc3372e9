// rmsctl is the operator CLI for the rights-management service. Operations
// are keyed by a user identifier (id or email) and report per-operation
// outcomes; the exit code reflects overall success.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/spf13/pflag"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	rms "github.com/zolinga/go-rms"
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

type glogAdapter struct {
	lgr glog.Logger
}

func (a glogAdapter) Debug(format string, args ...any) { a.lgr.Debug(fmt.Sprintf(format, args...)) }
func (a glogAdapter) Info(format string, args ...any)  { a.lgr.Info(fmt.Sprintf(format, args...)) }
func (a glogAdapter) Warn(format string, args ...any)  { a.lgr.Warn(fmt.Sprintf(format, args...)) }
func (a glogAdapter) Error(format string, args ...any) { a.lgr.Error(fmt.Sprintf(format, args...)) }

func main() {
	var (
		dsn   = pflag.String("dsn", "file:rms.db?cache=shared&mode=rwc", "database DSN")
		debug = pflag.Bool("debug", false, "enable debug output")

		user        = pflag.String("user", "", "user identifier (id or email)")
		create      = pflag.Bool("create", false, "create the account named by --user")
		remove      = pflag.Bool("remove", false, "hard-delete the account")
		markRemoved = pflag.Bool("mark-removed", false, "soft-remove the account")
		grant       = pflag.StringSlice("grant", nil, "rights to grant")
		revoke      = pflag.StringSlice("revoke", nil, "rights to revoke")
		hasRight    = pflag.StringSlice("has-right", nil, "rights to test")
		list        = pflag.Bool("list", false, "list held rights")
		setPassword = pflag.String("set-password", "", "set a new password")
	)
	pflag.Parse()

	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Warn),
		glog.WithName("rmsctl"),
		glog.WithRichErrorHandler(errors.ToSlogAttributes),
	)
	log := glogAdapter{lgr: lgr.GetLogger("rms")}

	if *user == "" {
		fmt.Fprintln(os.Stderr, "rmsctl: --user is required")
		pflag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()
	registry, err := openRegistry(ctx, lgr, log, *dsn, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rmsctl: %v\n", err)
		os.Exit(1)
	}

	ok := run(ctx, registry, ops{
		user:        *user,
		create:      *create,
		remove:      *remove,
		markRemoved: *markRemoved,
		grant:       *grant,
		revoke:      *revoke,
		hasRight:    *hasRight,
		list:        *list,
		setPassword: *setPassword,
	})
	if !ok {
		os.Exit(1)
	}
}

func openRegistry(ctx context.Context, lgr *glog.BaseLogger, log rms.Logger, dsn string, debug bool) (*rms.Registry, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	persistence.RegisterModel((*rms.UserRecord)(nil))
	persistence.RegisterModel((*rms.MetaRecord)(nil))
	persistence.RegisterModel((*rms.CommandRecord)(nil))
	persistence.RegisterModel((*rms.RightRecord)(nil))
	persistence.RegisterModel((*rms.SessionRecord)(nil))

	client, err := persistence.New(persistenceConfig{dsn: dsn, debug: debug}, sqldb, sqlitedialect.New())
	if err != nil {
		return nil, fmt.Errorf("initializing persistence: %w", err)
	}
	client.SetLogger(lgr.GetLogger("persistence"))

	migrationsFS, err := fs.Sub(rms.GetMigrationsFS(), "data/sql/migrations")
	if err != nil {
		return nil, err
	}
	client.RegisterDialectMigrations(
		migrationsFS,
		persistence.WithDialectSourceLabel("data/sql/migrations"),
		persistence.WithValidationTargets("postgres", "sqlite"),
	)
	if err := client.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating: %w", err)
	}

	return rms.NewRegistry(rms.NewStore(client.DB()),
		rms.WithLogger(log),
		rms.WithConfig(rms.DefaultConfig{Debug: debug, Interactive: true}),
	), nil
}

type ops struct {
	user        string
	create      bool
	remove      bool
	markRemoved bool
	grant       []string
	revoke      []string
	hasRight    []string
	list        bool
	setPassword string
}

func run(ctx context.Context, registry *rms.Registry, op ops) bool {
	ok := true
	report := func(what string, err error) {
		if err != nil {
			ok = false
			fmt.Printf("%-14s FAIL  %v\n", what, err)
			return
		}
		fmt.Printf("%-14s OK\n", what)
	}

	var u *rms.User
	if op.create {
		created, err := registry.CreateUser(ctx, rms.NewUserData{
			Username: op.user,
			Password: op.setPassword,
		})
		report("create", err)
		if err != nil {
			return false
		}
		u = created
		op.setPassword = ""
	} else {
		found, err := registry.GetUser(ctx, op.user)
		if err != nil {
			fmt.Printf("%-14s FAIL  %v\n", "resolve", err)
			return false
		}
		u = found
	}

	if op.setPassword != "" {
		err := u.SetPassword(op.setPassword)
		if err == nil {
			err = u.Save(ctx)
		}
		report("set-password", err)
	}

	if len(op.grant) > 0 {
		report("grant", u.Grant(ctx, op.grant...))
	}
	if len(op.revoke) > 0 {
		report("revoke", u.Revoke(ctx, op.revoke...))
	}

	if len(op.hasRight) > 0 {
		held, err := u.FilterRights(ctx, op.hasRight)
		if err != nil {
			report("has-right", err)
		} else {
			heldSet := map[string]bool{}
			for _, right := range held {
				heldSet[right] = true
			}
			for _, right := range op.hasRight {
				verdict := "no"
				if heldSet[right] {
					verdict = "yes"
				}
				fmt.Printf("%-14s %-3s   %q\n", "has-right", verdict, right)
				if !heldSet[right] {
					ok = false
				}
			}
		}
	}

	if op.list {
		permissions, err := u.ListPermissions(ctx)
		if err != nil {
			report("list", err)
		} else {
			for _, cmd := range permissions {
				fmt.Printf("%-14s %s\n", "list", cmd)
			}
		}
	}

	if op.markRemoved {
		report("mark-removed", u.MarkAsRemoved(ctx))
	}
	if op.remove {
		report("remove", registry.RemoveUser(ctx, u))
	}

	return ok
}
