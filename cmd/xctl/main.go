package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bigbes/xctl/cmd/xctl/commands"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		commands.Run(args, logger, version)
	case "list":
		commands.ListUsers(args, logger)
	case "add":
		commands.AddUser(args, logger)
	case "remove":
		commands.RemoveUser(args, logger)
	case "link":
		commands.ShowLink(args, logger)
	case "stats":
		commands.Stats(args, logger)
	case "watch":
		commands.Watch(args, logger)
	case "start", "stop", "restart":
		commands.Service(os.Args[1], args, logger)
	case "restore":
		commands.Restore(args, logger)
	case "backup":
		commands.Backup(args, logger)
	case "config":
		commands.Config(args, logger)
	case "init":
		commands.Init(args, logger)
	case "check-domain":
		commands.CheckDomain(args, logger)
	case "version", "-v", "--version":
		fmt.Printf("xctl version: %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: xctl <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  init               Write a fresh VLESS+Reality config")
	fmt.Fprintln(os.Stderr, "  check-domain <d>   Check a domain as the Reality SNI")
	fmt.Fprintln(os.Stderr, "  list               List users")
	fmt.Fprintln(os.Stderr, "  add <email>        Create a user and print its link")
	fmt.Fprintln(os.Stderr, "  remove <email>     Delete a user")
	fmt.Fprintln(os.Stderr, "  link <email>       Print a user's connection link")
	fmt.Fprintln(os.Stderr, "  stats [email]      Traffic snapshot")
	fmt.Fprintln(os.Stderr, "  watch [email]      Live traffic monitor")
	fmt.Fprintln(os.Stderr, "  start|stop|restart Control the xray service")
	fmt.Fprintln(os.Stderr, "  restore [seq]      Restore the config from a backup")
	fmt.Fprintln(os.Stderr, "  backup <cmd>       list, restore, export or import backups")
	fmt.Fprintln(os.Stderr, "  config <cmd>       check or show settings")
	fmt.Fprintln(os.Stderr, "  run                Run the controller (reload, metrics, totals)")
	fmt.Fprintln(os.Stderr, "  version            Print the version")
}
