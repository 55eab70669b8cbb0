package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"flowboard/internal/automation"
	"flowboard/internal/config"
	"flowboard/internal/db"
	"flowboard/internal/engine"
	"flowboard/internal/migrate"
	"flowboard/internal/repo"
)

// App is the assembled board runtime: database, engine, and automation
// wired together for one workspace.
type App struct {
	DB         *sql.DB
	Repo       repo.Repo
	Config     *config.Config
	Engine     engine.Engine
	Automation *automation.Engine
	Log        zerolog.Logger
}

// Open boots the workspace: opens the database, applies migrations,
// loads config (seeding the default when missing), seeds roles, and
// wires the automation engine behind the move engine.
func Open(ctx context.Context, workspace, actorID string) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("local-board")
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	r := repo.Repo{DB: conn}
	auto := automation.New(r, log.With().Str("component", "automation").Logger())
	auto.MaxChainDepth = cfg.MaxChainDepth()
	auto.SoonWindow = cfg.SoonWindow()

	eng := engine.New(conn, cfg)
	eng.Automation = auto

	auto.RegisterExecutor("move_to_stage", automation.MoveExecutor{Actions: eng})
	auto.RegisterExecutor("assign_user", automation.AssignExecutor{Actions: eng})
	auto.RegisterExecutor("add_comment", automation.CommentExecutor{Actions: eng})
	hook := automation.WebhookExecutor{URL: cfg.Automation.Webhook.URL, Secret: cfg.Automation.Webhook.Secret}
	auto.RegisterExecutor("notify", hook)
	auto.RegisterExecutor("send_email", hook)

	a := &App{DB: conn, Repo: r, Config: cfg, Engine: eng, Automation: auto, Log: log}
	if err := a.seed(ctx, actorID); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// seed mirrors config rbac roles into the database and ensures the
// acting user exists with the owner role. Idempotent.
func (a *App) seed(ctx context.Context, actorID string) error {
	if actorID == "" {
		actorID = "local-user"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for roleID, role := range a.Config.RBAC.Roles {
		if err := a.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("seed role %s: %w", roleID, err)
		}
		for _, p := range role.Permissions {
			resource, action, ok := splitPermission(p)
			if !ok {
				return fmt.Errorf("role %s: permission %q is not resource.action", roleID, p)
			}
			if err := a.Repo.AddRoleGrant(ctx, tx, roleID, resource, action); err != nil {
				return fmt.Errorf("seed role grant %s: %w", p, err)
			}
		}
	}
	if err := a.Repo.EnsureUser(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	if _, ok := a.Config.RBAC.Roles["owner"]; ok {
		if err := a.Repo.AssignRole(ctx, tx, actorID, "owner"); err != nil {
			return fmt.Errorf("assign owner role: %w", err)
		}
	}
	return tx.Commit()
}

func splitPermission(p string) (resource, action string, ok bool) {
	i := strings.LastIndex(p, ".")
	if i <= 0 || i == len(p)-1 {
		return "", "", false
	}
	return p[:i], p[i+1:], true
}
