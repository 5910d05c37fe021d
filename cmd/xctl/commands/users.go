package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/bigbes/xctl/internal/xray"
)

var errUserNotFound = errors.New("user not found")

func ListUsers(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	fs.Parse(args)

	settings, logger := loadSettings(*settingsPath, logger)
	cfg, err := openStore(settings, logger).Load()
	if err != nil {
		logger.Error("failed to read xray config", "err", err)
		os.Exit(1)
	}

	users := cfg.Users()
	if len(users) == 0 {
		fmt.Println("No users found. Use 'xctl add <email>' to create one.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tEMAIL\tUUID\tFLOW\tQUOTA")
	for i, u := range users {
		flow := u.Flow
		if flow == "" {
			flow = "-"
		}
		quota := "unlimited"
		if u.Quota > 0 {
			quota = humanize.IBytes(uint64(u.Quota))
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, u.Email, u.ID, flow, quota)
	}
	tw.Flush()
}

func AddUser(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	quota := fs.String("quota", "", "traffic quota, e.g. 10GiB (informational)")
	noRestart := fs.Bool("no-restart", false, "save the config without restarting xray")
	pos := parseArgs(fs, args)
	email := requireArg(fs, pos, "email")

	settings, logger := loadSettings(*settingsPath, logger)

	user := xray.UserEntry{ID: uuid.NewString(), Email: email, Flow: xray.FlowVision}
	if *quota != "" {
		n, err := humanize.ParseBytes(*quota)
		if err != nil {
			logger.Error("invalid quota", "quota", *quota, "err", err)
			os.Exit(1)
		}
		user.Quota = int64(n)
	}

	st := openStore(settings, logger)
	if _, err := st.Update(func(cfg *xray.Config) error { return cfg.AddUser(user) }); err != nil {
		logger.Error("failed to add user", "email", email, "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if !*noRestart && !restartProxy(ctx, settings, logger) {
		os.Exit(1)
	}

	fmt.Printf("User '%s' successfully added!\n\n", email)
	cfg, err := st.Load()
	if err != nil {
		logger.Error("failed to reload xray config", "err", err)
		os.Exit(1)
	}
	l, err := userLink(ctx, settings, cfg, email)
	if err != nil {
		logger.Warn("user added but link unavailable", "err", err)
		return
	}
	fmt.Println("VLESS Connection Link:")
	fmt.Println(l)
}

func RemoveUser(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	force := fs.Bool("force", false, "skip confirmation prompt")
	fs.BoolVar(force, "f", false, "shorthand for -force")
	purge := fs.Bool("purge-stats", false, "also drop the user's lifetime traffic totals")
	noRestart := fs.Bool("no-restart", false, "save the config without restarting xray")
	pos := parseArgs(fs, args)
	email := requireArg(fs, pos, "email")

	settings, logger := loadSettings(*settingsPath, logger)

	if !*force && !confirm(os.Stdin, os.Stdout, fmt.Sprintf("Are you sure you want to delete user %q?", email)) {
		fmt.Println("Operation cancelled.")
		return
	}

	_, err := openStore(settings, logger).Update(func(cfg *xray.Config) error {
		if !cfg.RemoveUser(email) {
			return errUserNotFound
		}
		return nil
	})
	switch {
	case errors.Is(err, errUserNotFound):
		fmt.Printf("User '%s' not found.\n", email)
		return
	case err != nil:
		logger.Error("failed to remove user", "email", email, "err", err)
		os.Exit(1)
	}

	if *purge {
		db, err := openStatsDB(settings, logger)
		if err != nil {
			logger.Warn("failed to open stats database", "err", err)
		} else {
			if err := db.DeleteUser(email); err != nil {
				logger.Warn("failed to purge stats", "email", email, "err", err)
			}
			db.Close()
		}
	}

	if !*noRestart && !restartProxy(context.Background(), settings, logger) {
		os.Exit(1)
	}
	fmt.Printf("User '%s' removed.\n", email)
}

func ShowLink(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("link", flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	pos := parseArgs(fs, args)
	email := requireArg(fs, pos, "email")

	settings, logger := loadSettings(*settingsPath, logger)
	cfg, err := openStore(settings, logger).Load()
	if err != nil {
		logger.Error("failed to read xray config", "err", err)
		os.Exit(1)
	}
	l, err := userLink(context.Background(), settings, cfg, email)
	if err != nil {
		logger.Error("failed to build link", "email", email, "err", err)
		os.Exit(1)
	}
	fmt.Printf("Link for user '%s':\n%s\n", email, l)
}
