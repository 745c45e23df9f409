// Command mdctl drives a messagedisk node from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/RaphaelDarley/messagedisk/internal/client"
)

type command struct {
	usage string
	run   func(ctx context.Context, c *client.Client, args []string) error
}

var commands = map[string]command{
	"create":   {"create [-ring id] [-chunks n]", runCreate},
	"join":     {"join -ring id [-target ip:port] [-chunks n]", runJoin},
	"start":    {"start -ring id -target ip:port [-chunks n]", runStart},
	"inject":   {"inject -ring id -target ip:port [-chunks n]", runInject},
	"read":     {"read -ring id -chunk i", runRead},
	"write":    {"write -ring id -chunk i [-file path]", runWrite},
	"dump":     {"dump -ring id [-out path]", runDump},
	"load":     {"load -ring id -in path [-offset n]", runLoad},
	"discover": {"discover", runDiscover},
	"status":   {"status -ring id", runStatus},
	"cluster":  {"cluster", runCluster},
	"shutdown": {"shutdown", runShutdown},
}

func main() {
	node := flag.String("node", envOr("MESSAGEDISK_NODE", "127.0.0.1:6767"), "node address (ip:port or URL)")
	timeout := flag.Duration("timeout", 0, "per-request timeout (0 waits for the token)")
	retries := flag.Int("retries", 2, "retries for idempotent requests")
	verbose := flag.Bool("v", false, "log retries")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		color.Red("unknown command %q\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}

	c, err := client.New(client.Config{
		Node:         *node,
		Timeout:      *timeout,
		MaxRetries:   *retries,
		RetryBackoff: 200 * time.Millisecond,
	}, logger)
	if err != nil {
		color.Red("error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.run(ctx, c, flag.Args()[1:]); err != nil {
		color.Red("error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: mdctl [-node ip:port] [-timeout d] <command> [flags]\n\ncommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
