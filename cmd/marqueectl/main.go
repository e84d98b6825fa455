// Command marqueectl performs operator tasks against a Marquee database and
// guest ledger without going through the HTTP API.
//
// Usage:
//
//	marqueectl user create alice --role admin
//	marqueectl maintenance enable --message "Upgrading" --duration 30 --unit minutes
//	marqueectl ledger reset guest:10.0.0.1:linux:1a2b3c
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/alecthomas/kong"

	"github.com/marquee/marquee/backend/internal/config"
	"github.com/marquee/marquee/backend/internal/models"
	"github.com/marquee/marquee/backend/internal/quota"
	"github.com/marquee/marquee/backend/internal/repository"
	"github.com/marquee/marquee/backend/internal/service"
	"github.com/marquee/marquee/backend/pkg/database"
	"github.com/marquee/marquee/backend/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	User        UserCmd        `cmd:"" help:"Manage accounts."`
	Maintenance MaintenanceCmd `cmd:"" help:"Control maintenance mode."`
	Ledger      LedgerCmd      `cmd:"" help:"Inspect or reset the guest chat ledger."`

	Database   string `name:"database" help:"SQLite database path (defaults to DATABASE_PATH)." type:"path"`
	LedgerPath string `name:"ledger-path" help:"Guest ledger file (defaults to GUEST_LEDGER_PATH)." type:"path"`
	LogLevel   string `help:"Log level (debug, info, warn, error)." default:"warn"`
}

type env struct {
	db          *sql.DB
	auth        *service.AuthService
	maintenance *service.MaintenanceService
}

func (cli *CLI) loadConfig() *config.Config {
	cfg := config.Load()
	if cli.Database != "" {
		cfg.Database.Path = cli.Database
	}
	if cli.LedgerPath != "" {
		cfg.Quota.LedgerPath = cli.LedgerPath
	}
	return cfg
}

func (cli *CLI) open() (*env, error) {
	cfg := cli.loadConfig()
	db, err := database.Initialize(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.InitSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	userRepo := repository.NewUserRepository(db)
	maintenanceSvc := service.NewMaintenanceService(repository.NewMaintenanceRepository(db))
	adminSvc := service.NewAdminService(repository.NewSettingsRepository(db), userRepo, quota.Limits{
		Window:    cfg.Quota.Window,
		MaxLogged: cfg.Quota.MaxLogged,
		MaxGuest:  cfg.Quota.MaxGuest,
	})
	authSvc := service.NewAuthService(userRepo, cfg)
	authSvc.SetSettingsProvider(adminSvc)

	return &env{db: db, auth: authSvc, maintenance: maintenanceSvc}, nil
}

func (e *env) Close() {
	if err := e.db.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close database")
	}
}

// UserCmd groups account commands.
type UserCmd struct {
	Create        UserCreateCmd        `cmd:"" help:"Create an account."`
	ResetPassword UserResetPasswordCmd `cmd:"" name:"reset-password" help:"Replace an account's password."`
}

type UserCreateCmd struct {
	Username string `arg:"" help:"Account name."`
	Email    string `help:"Contact address."`
	Password string `help:"Password (defaults to MARQUEE_PASSWORD)." env:"MARQUEE_PASSWORD"`
	Role     string `help:"Role: admin, moderator or user." default:"user" enum:"admin,moderator,user"`
}

func (c *UserCreateCmd) Run(cli *CLI) error {
	if c.Password == "" {
		return errors.New("a password is required (--password or MARQUEE_PASSWORD)")
	}
	role, _ := models.ParseRole(c.Role)

	e, err := cli.open()
	if err != nil {
		return err
	}
	defer e.Close()

	user, err := e.auth.CreateUser(c.Username, c.Email, c.Password, role)
	if err != nil {
		return err
	}
	logger.Audit("user_created_cli", user.ID, map[string]string{"username": user.Username, "role": string(user.Role)})
	fmt.Printf("created %s (%s) id=%s\n", user.Username, user.Role, user.ID)
	return nil
}

type UserResetPasswordCmd struct {
	Username string `arg:"" help:"Account name."`
	Password string `help:"New password (defaults to MARQUEE_PASSWORD)." env:"MARQUEE_PASSWORD"`
}

func (c *UserResetPasswordCmd) Run(cli *CLI) error {
	if c.Password == "" {
		return errors.New("a password is required (--password or MARQUEE_PASSWORD)")
	}
	e, err := cli.open()
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.auth.ResetPassword(c.Username, c.Password); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("no account named %q", c.Username)
		}
		return err
	}
	fmt.Printf("password updated for %s\n", c.Username)
	return nil
}

// MaintenanceCmd groups maintenance commands.
type MaintenanceCmd struct {
	Enable MaintenanceEnableCmd `cmd:"" help:"Start a maintenance window, replacing any active one."`
	Stop   MaintenanceStopCmd   `cmd:"" help:"End the active maintenance window."`
	Status MaintenanceStatusCmd `cmd:"" help:"Show the active maintenance window."`
}

type MaintenanceEnableCmd struct {
	Message  string `help:"Message shown to visitors."`
	Reason   string `help:"Reason shown to visitors."`
	Duration int    `help:"Planned duration." default:"1"`
	Unit     string `help:"Duration unit." default:"hours" enum:"minutes,hours,days"`
}

func (c *MaintenanceEnableCmd) Run(cli *CLI) error {
	e, err := cli.open()
	if err != nil {
		return err
	}
	defer e.Close()

	m, err := e.maintenance.Enable(context.Background(), service.EnableInput{
		Message:       c.Message,
		Reason:        c.Reason,
		DurationValue: c.Duration,
		DurationUnit:  c.Unit,
	}, "cli")
	if err != nil {
		return err
	}
	fmt.Printf("maintenance %s enabled for %s, ends %s\n", m.ID, m.FormatDuration(), m.ExpiresAt().Format(time.RFC3339))
	return nil
}

type MaintenanceStopCmd struct{}

func (c *MaintenanceStopCmd) Run(cli *CLI) error {
	e, err := cli.open()
	if err != nil {
		return err
	}
	defer e.Close()

	m, err := e.maintenance.Stop(context.Background(), "cli")
	if errors.Is(err, service.ErrNoActiveMaintenance) {
		fmt.Println("maintenance is not active")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("maintenance %s stopped\n", m.ID)
	return nil
}

type MaintenanceStatusCmd struct {
	JSON bool `name:"json" help:"Print the public status document."`
}

func (c *MaintenanceStatusCmd) Run(cli *CLI) error {
	e, err := cli.open()
	if err != nil {
		return err
	}
	defer e.Close()

	view, err := e.maintenance.Status(context.Background())
	if err != nil {
		return err
	}
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	if !view.InMaintenance {
		fmt.Println("maintenance is not active")
		return nil
	}
	fmt.Printf("maintenance active: %q\n", view.Message)
	if view.Reason != "" {
		fmt.Printf("reason:    %s\n", view.Reason)
	}
	fmt.Printf("duration:  %s\n", view.Duration)
	fmt.Printf("ends:      %s (%ds left)\n", view.EndTime.Format(time.RFC3339), view.RemainingSeconds)
	return nil
}

// LedgerCmd groups guest ledger commands. The server keeps its own copy of
// the ledger in memory; run these while it is stopped or its next flush
// will overwrite the change.
type LedgerCmd struct {
	Show  LedgerShowCmd  `cmd:"" help:"List guest identities and their usage."`
	Reset LedgerResetCmd `cmd:"" help:"Clear one guest identity, or all of them."`
}

type LedgerShowCmd struct{}

func (c *LedgerShowCmd) Run(cli *CLI) error {
	cfg := cli.loadConfig()
	ledger, err := quota.OpenFileLedger(cfg.Quota.LedgerPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	snapshot := ledger.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		rec := snapshot[k]
		fmt.Printf("%-48s %4d  last seen %s\n", k, rec.Count, time.UnixMilli(rec.LastSeen).UTC().Format(time.RFC3339))
	}
	s := ledger.Summarize(cfg.Quota.MaxGuest)
	fmt.Printf("%d identities, %d exhausted, %d requests\n", s.Identities, s.Exhausted, s.TotalRequests)
	return nil
}

type LedgerResetCmd struct {
	Identity string `arg:"" optional:"" help:"Identity key to clear. Omit to clear every identity."`
}

func (c *LedgerResetCmd) Run(cli *CLI) error {
	cfg := cli.loadConfig()
	ledger, err := quota.OpenFileLedger(cfg.Quota.LedgerPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	if c.Identity == "" {
		n, err := ledger.ResetAll()
		if err != nil {
			return err
		}
		fmt.Printf("cleared %d identities\n", n)
		return nil
	}

	removed, err := ledger.Reset(c.Identity)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("identity %q not found", c.Identity)
	}
	fmt.Printf("cleared %s\n", c.Identity)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("marqueectl"),
		kong.Description("Operator commands for Marquee."),
		kong.UsageOnError(),
	)

	logger.Init(logger.Config{Level: cli.LogLevel, Format: "console", Output: os.Stderr})

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
