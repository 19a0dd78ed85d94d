package app

import (
	"database/sql"
	"time"

	"qube/internal/config"
	"qube/internal/db"
	"qube/internal/engine"
	"qube/internal/ledger"
	"qube/internal/migrate"
	"qube/internal/notify"
)

// DefaultBaseURL is used when the workspace has no qube.yml.
const DefaultBaseURL = "https://0xqube.xyz"

// ResolveConfig loads the workspace config, falling back to defaults when no
// qube.yml exists yet.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(DefaultBaseURL)
	}
	return cfg, nil
}

// Open opens the workspace database and applies pending migrations.
func Open(workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// BuildEngine assembles the lifecycle engine from config: the relayer client
// for escrow calls and the SMTP dispatcher for mail.
func BuildEngine(conn *sql.DB, cfg *config.Config) engine.Engine {
	gw := ledger.NewClient(cfg.Relayer.URL, cfg.Relayer.EscrowAddress, time.Duration(cfg.Relayer.TimeoutSeconds)*time.Second)
	mailer := notify.SMTPMailer{
		Host:     cfg.Mail.SMTPHost,
		Port:     cfg.Mail.SMTPPort,
		From:     cfg.Mail.From,
		Address:  cfg.Mail.Address,
		Password: cfg.Mail.Password,
	}
	return engine.New(conn, cfg, gw, mailer)
}
