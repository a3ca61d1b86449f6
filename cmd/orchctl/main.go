// Copyright 2025 James Ross
// Command orchctl is the operational CLI named in spec §6: queue
// pause/resume/clean, webhook retry-dlq, key create/rotate/revoke, health,
// metrics. It is a flag.NewFlagSet subcommand dispatcher in the teacher's
// cmd/job-queue-system/main.go idiom (role string + per-role flags), not a
// cobra app, because the teacher already shows the idiom without one
// (SPEC_FULL.md §6). Every command is a thin call onto internal/admin's
// Registry, the same type the gateway's HTTP admin routes use, so the two
// surfaces can never drift.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/scrapeorch/gateway/internal/admin"
	"github.com/scrapeorch/gateway/internal/apikey"
	"github.com/scrapeorch/gateway/internal/config"
	"github.com/scrapeorch/gateway/internal/obs"
	"github.com/scrapeorch/gateway/internal/queue"
	"github.com/scrapeorch/gateway/internal/redisclient"
	"github.com/scrapeorch/gateway/internal/webhookhandler"
)

// Exit codes per spec §6.
const (
	exitOK          = 0
	exitUsage       = 64
	exitDataInvalid = 65
	exitUnavailable = 69
	exitInternal    = 70
)

var namedQueues = []string{"scraping", "discovery", "creator-sync", webhookhandler.QueueName}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return exitUsage
	}

	configPath := "config.yaml"
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			configPath = args[i+1]
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchctl: load config: %v\n", err)
		return exitInternal
	}
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchctl: build logger: %v\n", err)
		return exitInternal
	}
	defer logger.Sync()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "orchctl: redis unavailable: %v\n", err)
		return exitUnavailable
	}

	queues := make(map[string]*queue.Queue, len(namedQueues))
	for _, name := range namedQueues {
		queues[name] = queue.New(rdb, name, cfg.Queue.RemoveOnComplete, cfg.Queue.RemoveOnFail)
	}
	keys := apikey.NewManager(logger, func(action, keyID, reason string) {
		logger.Info("apikey: audit", obs.String("action", action), obs.String("key_id", keyID), obs.String("reason", reason))
	})
	reg := admin.NewRegistry(queues, keys, rdb, logger)

	switch args[0] {
	case "queue":
		return runQueue(ctx, reg, args[1:])
	case "webhook":
		return runWebhook(ctx, reg, args[1:])
	case "key":
		return runKey(reg, args[1:])
	case "health":
		return runHealth(ctx, reg)
	case "metrics":
		return runMetrics(ctx, reg)
	default:
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `orchctl: operational commands for the scraping gateway

Usage:
  orchctl queue pause <queueName>
  orchctl queue resume <queueName>
  orchctl queue clean <queueName> <completed|failed|dead>
  orchctl webhook retry-dlq [--queue name]
  orchctl key create --name NAME [--permissions a,b,c] [--ttl 24h]
  orchctl key rotate <id>
  orchctl key revoke <id> [--reason REASON]
  orchctl health
  orchctl metrics`)
}

func runQueue(ctx context.Context, reg *admin.Registry, args []string) int {
	if len(args) < 2 {
		usage()
		return exitUsage
	}
	sub, name := args[0], args[1]
	var err error
	switch sub {
	case "pause":
		err = reg.Pause(ctx, name)
	case "resume":
		err = reg.Resume(ctx, name)
	case "clean":
		if len(args) < 3 {
			usage()
			return exitUsage
		}
		status := queue.Status(args[2])
		switch status {
		case queue.StatusCompleted, queue.StatusFailed, queue.StatusDead:
		default:
			fmt.Fprintf(os.Stderr, "orchctl: clean target must be completed, failed, or dead, got %q\n", args[2])
			return exitDataInvalid
		}
		err = reg.Clean(ctx, name, status)
	default:
		usage()
		return exitUsage
	}
	if err != nil {
		return reportErr(err)
	}
	fmt.Printf("queue %s: %s ok\n", name, sub)
	return exitOK
}

func runWebhook(ctx context.Context, reg *admin.Registry, args []string) int {
	if len(args) < 1 || args[0] != "retry-dlq" {
		usage()
		return exitUsage
	}
	fs := flag.NewFlagSet("webhook retry-dlq", flag.ContinueOnError)
	qname := fs.String("queue", webhookhandler.QueueName, "queue to requeue dead-lettered jobs on")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}
	n, err := reg.RetryDLQ(ctx, *qname)
	if err != nil {
		return reportErr(err)
	}
	fmt.Printf("requeued %d dead-lettered job(s) on %s\n", n, *qname)
	return exitOK
}

func runKey(reg *admin.Registry, args []string) int {
	if len(args) < 1 {
		usage()
		return exitUsage
	}
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("key create", flag.ContinueOnError)
		name := fs.String("name", "", "key name")
		perms := fs.String("permissions", "*", "comma-separated permission list")
		ttl := fs.Duration("ttl", 0, "time until expiry, 0 for no expiry")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		if *name == "" {
			fmt.Fprintln(os.Stderr, "orchctl: key create requires --name")
			return exitUsage
		}
		view, err := reg.CreateKey(*name, splitCSV(*perms), apikey.RateLimits{}, *ttl)
		if err != nil {
			return reportErr(err)
		}
		return printJSON(view)
	case "rotate":
		if len(args) < 2 {
			usage()
			return exitUsage
		}
		view, err := reg.RotateKey(args[1])
		if err != nil {
			return reportErr(err)
		}
		return printJSON(view)
	case "revoke":
		fs := flag.NewFlagSet("key revoke", flag.ContinueOnError)
		reason := fs.String("reason", "", "revocation reason")
		if len(args) < 2 {
			usage()
			return exitUsage
		}
		if err := fs.Parse(args[2:]); err != nil {
			return exitUsage
		}
		if err := reg.RevokeKey(args[1], *reason); err != nil {
			return reportErr(err)
		}
		fmt.Printf("key %s revoked\n", args[1])
		return exitOK
	default:
		usage()
		return exitUsage
	}
}

func runHealth(ctx context.Context, reg *admin.Registry) int {
	res, err := reg.Health(ctx)
	if err != nil {
		printJSON(res)
		return exitUnavailable
	}
	return printJSON(res)
}

func runMetrics(ctx context.Context, reg *admin.Registry) int {
	res, err := reg.Stats(ctx)
	if err != nil {
		return reportErr(err)
	}
	return printJSON(res)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func printJSON(v interface{}) int {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchctl: encode result: %v\n", err)
		return exitInternal
	}
	fmt.Println(string(b))
	return exitOK
}

func reportErr(err error) int {
	if errors.Is(err, admin.ErrUnknownQueue) {
		fmt.Fprintln(os.Stderr, "orchctl:", err)
		return exitDataInvalid
	}
	fmt.Fprintln(os.Stderr, "orchctl:", err)
	return exitInternal
}
