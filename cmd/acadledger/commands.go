package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/acadledger/acadledger/cmd/acadledger/cli"
	"github.com/acadledger/acadledger/internal/app"
)

const usage = `usage: acadledger [command]

With no command the API server starts.

commands:
  predict    print the account address a registration would produce
  reconcile  queue a receipt follow-up for an operation hash
  queue      print the background job queue state
`

func runCommand(name string, args []string) int {
	switch name {
	case "predict":
		return predictCommand(args)
	case "reconcile":
		return reconcileCommand(args)
	case "queue":
		return queueCommand(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return 0
	}
	_, _ = fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
	return 2
}

func predictCommand(args []string) int {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	kind := fs.String("kind", "student", "account kind: student, university or employer")
	password := fs.String("password", "", "account password")
	id := fs.String("id", "", "account identifier")
	profile := fs.String("profile", "", "profile fields separated by '|'")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	var fields []string
	if *profile != "" {
		fields = strings.Split(*profile, "|")
	}
	return cli.PredictCommand(cli.PredictOptions{
		Kind:       *kind,
		Password:   *password,
		ID:         *id,
		Profile:    fields,
		JSONOutput: *jsonOut,
	})
}

func reconcileCommand(args []string) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	opHash := fs.String("op", "", "operation hash")
	sender := fs.String("sender", "", "sender account address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	hash := common.HexToHash(*opHash)
	if hash == (common.Hash{}) {
		_, _ = fmt.Fprintln(os.Stderr, "reconcile: --op is required")
		return 1
	}
	from, err := parseAddress(*sender)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		return 1
	}
	return withJobsCLI(func(ctx context.Context, c *cli.JobsCLI) error {
		if err := c.Reconcile(ctx, hash, from); err != nil {
			return err
		}
		fmt.Printf("queued reconcile for %s\n", hash.Hex())
		return nil
	})
}

func queueCommand(args []string) int {
	fs := flag.NewFlagSet("queue", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return withJobsCLI(func(ctx context.Context, c *cli.JobsCLI) error {
		stats, err := c.InspectQueue(ctx)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(stats)
	})
}

func withJobsCLI(fn func(context.Context, *cli.JobsCLI) error) int {
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	c, err := cli.NewJobsCLI(cfg.Redis())
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer func() {
		_ = c.Close()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx, c); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	return 0
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.New("invalid address " + s)
	}
	return common.HexToAddress(s), nil
}
