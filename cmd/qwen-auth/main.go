// Command qwen-auth manages Qwen OAuth accounts from the terminal:
// device-flow login, listing, removal, and usage read-outs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/auth"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/config"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/health"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/usage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		usageExit()
	}

	store := auth.NewStore(cfg.CredentialsDir)
	manager := auth.NewManager(cfg.OAuth, store)

	switch args[0] {
	case "login":
		accountID := ""
		if len(args) > 1 {
			accountID = args[1]
		}
		login(manager, accountID)
	case "list":
		list(cfg, store)
	case "remove":
		if len(args) < 2 {
			fatal("usage: qwen-auth remove <account-id>")
		}
		if err := store.Remove(args[1]); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Removed account %q\n", args[1])
	case "usage":
		showUsage(cfg)
	default:
		usageExit()
	}
}

func login(manager *auth.Manager, accountID string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	session, err := manager.InitiateDeviceFlow(ctx)
	if err != nil {
		fatal("initiate device flow: %v", err)
	}

	fmt.Printf("Open %s\n", session.VerificationURI)
	fmt.Printf("and enter code: %s\n\n", session.UserCode)
	fmt.Println("Waiting for approval...")

	cred, err := manager.PollSession(ctx, session.DeviceCode, accountID)
	if err != nil {
		fatal("%v", err)
	}

	name := accountID
	if name == "" {
		name = "default"
	}
	fmt.Printf("✅ Authenticated account %q (token expires %s)\n",
		name, cred.ExpiresAt().Local().Format(time.RFC3339))
}

func list(cfg *config.Config, store *auth.Store) {
	tracker := health.NewTracker(filepath.Join(cfg.CredentialsDir, "failed_accounts.json"))
	ledger := usage.NewLedger(filepath.Join(cfg.CredentialsDir, "request_counts.json"))

	all := store.LoadAll()
	if len(all) == 0 {
		fmt.Println("No accounts configured. Run: qwen-auth login [account-id]")
		return
	}

	now := time.Now()
	printRow := func(id string, cred *auth.Credential) {
		status := "expired"
		if auth.IsValid(cred) {
			status = fmt.Sprintf("valid (%.0f min left)", cred.MinutesLeft(now))
		}
		if id != "" && tracker.IsFailed(id) {
			status += ", failed today"
		}
		name := id
		key := id
		if id == "" {
			name = "default"
			key = "default"
		}
		fmt.Printf("  %-20s %-30s %d requests today\n", name, status, ledger.RequestCount(key))
	}

	fmt.Println("Accounts:")
	if cred, ok := all[""]; ok {
		printRow("", cred)
	}
	for _, id := range store.AccountIDs() {
		printRow(id, all[id])
	}
}

func showUsage(cfg *config.Config) {
	ledger := usage.NewLedger(filepath.Join(cfg.CredentialsDir, "request_counts.json"))
	lastReset, requests, tokenUsage := ledger.Snapshot()

	fmt.Printf("Daily counters (reset %s UTC):\n", lastReset)
	if len(requests) == 0 {
		fmt.Println("  no requests recorded")
	}
	for id, n := range requests {
		fmt.Printf("  %-20s %d requests\n", id, n)
	}

	fmt.Println("\nToken usage history:")
	if len(tokenUsage) == 0 {
		fmt.Println("  no token usage recorded")
	}
	for id, entries := range tokenUsage {
		fmt.Printf("  %s:\n", id)
		for _, e := range entries {
			fmt.Printf("    %s  in=%d out=%d\n", e.Date, e.InputTokens, e.OutputTokens)
		}
	}
}

func usageExit() {
	fmt.Fprintln(os.Stderr, `usage: qwen-auth [-config file] <command>

commands:
  login [account-id]   authenticate via the device flow
  list                 list configured accounts
  remove <account-id>  delete an account's credential
  usage                print request and token usage counters`)
	os.Exit(2)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "qwen-auth: "+format+"\n", args...)
	os.Exit(1)
}
