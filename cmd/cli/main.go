// Command cli runs schema migrations and fires trigger events by hand.
//
//	cli migrate [--dir=./migrations] [--env=.env]
//	cli rollback [--dir=./migrations]
//	cli status [--dir=./migrations]
//	cli fire --trigger=service_completed --recipient=+15551234567 [--var=name=Ana ...]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/followup-gateway/internal/config"
	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/internal/triggers"
	"github.com/nimasrn/followup-gateway/pkg/logger"
	"github.com/nimasrn/followup-gateway/pkg/pg"
)

func main() {
	defer logger.Sync()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	if err := config.Load(config.ArgEnvPath(args)); err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var err error
	switch cmd {
	case "migrate":
		err = pg.Migrate(config.Get().PostgresWrite(), migrationDir(args))
	case "rollback":
		err = pg.Rollback(config.Get().PostgresWrite(), migrationDir(args))
	case "status":
		err = pg.MigrationStatus(config.Get().PostgresWrite(), migrationDir(args))
	case "fire":
		err = fire(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cli <migrate|rollback|status|fire> [flags]")
}

func migrationDir(args []string) string {
	for _, v := range args {
		if strings.HasPrefix(v, "--dir=") {
			return strings.TrimPrefix(v, "--dir=")
		}
	}
	return "./migrations"
}

type varsFlag map[string]string

func (v varsFlag) String() string { return fmt.Sprint(map[string]string(v)) }

func (v varsFlag) Set(s string) error {
	k, val, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("variable %q must be key=value", s)
	}
	v[k] = val
	return nil
}

func fire(args []string) error {
	fs := flag.NewFlagSet("fire", flag.ContinueOnError)
	trigger := fs.String("trigger", "", "trigger event")
	recipient := fs.String("recipient", "", "recipient phone number")
	eventID := fs.String("event-id", "", "idempotency key, generated when empty")
	vars := varsFlag{}
	fs.Var(vars, "var", "template variable as key=value, repeatable")
	fs.String("env", "", "env file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	t := model.TriggerEvent(*trigger)
	if !t.Valid() {
		return model.ErrUnknownTrigger
	}
	if *eventID == "" {
		*eventID = uuid.NewString()
	}

	cfg := config.Get()
	if cfg.AmqpUrl == "" {
		return fmt.Errorf("AMQP_URL is required")
	}
	pub, err := triggers.NewPublisher(cfg.AmqpUrl, cfg.TriggerQueue)
	if err != nil {
		return err
	}
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pub.Publish(ctx, triggers.Event{
		EventID:   *eventID,
		Trigger:   t,
		Recipient: *recipient,
		Variables: vars,
	}); err != nil {
		return err
	}
	logger.Info("trigger event published", "event_id", *eventID, "trigger", t, "queue", cfg.TriggerQueue)
	return nil
}
