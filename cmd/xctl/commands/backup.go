package commands

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

const passwordEnv = "XCTL_EXPORT_PASSWORD"

// Backup dispatches "backup list|restore|export|import".
func Backup(args []string, logger *slog.Logger) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: xctl backup <list|restore|export|import> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		ListBackups(args[1:], logger)
	case "restore":
		Restore(args[1:], logger)
	case "export":
		Export(args[1:], logger)
	case "import":
		Import(args[1:], logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown backup command: %s\n", args[0])
		os.Exit(1)
	}
}

func ListBackups(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("backup list", flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	fs.Parse(args)

	settings, logger := loadSettings(*settingsPath, logger)
	st := openStore(settings, logger)
	backups, err := st.Backups()
	if err != nil {
		logger.Error("failed to list backups", "err", err)
		os.Exit(1)
	}
	if len(backups) == 0 {
		fmt.Printf("No backups found in %s\n", st.BackupDir())
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tDATE (UTC)\tAGE\tFILE")
	for i := len(backups) - 1; i >= 0; i-- {
		b := backups[i]
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", b.Seq, b.Time.UTC().Format(time.DateTime), humanize.Time(b.Time), b.Path)
	}
	tw.Flush()
}

func Restore(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	latest := fs.Bool("latest", false, "restore the most recent backup without prompting")
	noRestart := fs.Bool("no-restart", false, "restore without restarting xray")
	pos := parseArgs(fs, args)

	settings, logger := loadSettings(*settingsPath, logger)
	st := openStore(settings, logger)
	backups, err := st.Backups()
	if err != nil {
		logger.Error("failed to list backups", "err", err)
		os.Exit(1)
	}
	if len(backups) == 0 {
		fmt.Printf("No backups found in %s\n", st.BackupDir())
		return
	}

	var seq int
	switch {
	case len(pos) > 0:
		seq, err = strconv.Atoi(pos[0])
		if err != nil {
			logger.Error("backup number must be an integer", "arg", pos[0])
			os.Exit(1)
		}
	case *latest:
		seq = backups[len(backups)-1].Seq
	default:
		for i := len(backups) - 1; i >= 0; i-- {
			b := backups[i]
			fmt.Printf("%4d  %s  (%s)\n", b.Seq, b.Time.UTC().Format(time.DateTime), humanize.Time(b.Time))
		}
		seq = promptSeq(os.Stdin, os.Stdout, backups[len(backups)-1].Seq)
		if !confirm(os.Stdin, os.Stdout, fmt.Sprintf("Overwrite the current config with backup %d?", seq)) {
			fmt.Println("Operation cancelled.")
			return
		}
	}

	cfg, err := st.Restore(seq)
	if err != nil {
		logger.Error("restore failed", "seq", seq, "err", err)
		os.Exit(1)
	}
	if !*noRestart && !restartProxy(context.Background(), settings, logger) {
		os.Exit(1)
	}
	fmt.Printf("Restored backup %d (%d users).\n", seq, len(cfg.Users()))
}

func promptSeq(in io.Reader, out io.Writer, def int) int {
	fmt.Fprintf(out, "Select backup number to restore [%d]: ", def)
	var answer string
	fmt.Fscanln(in, &answer)
	if n, err := strconv.Atoi(strings.TrimSpace(answer)); err == nil {
		return n
	}
	return def
}

// exportPassword reads the password from file, or from the environment.
func exportPassword(file string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	if v := os.Getenv(passwordEnv); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no password: use -password-file or set %s", passwordEnv)
}

func Export(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("backup export", flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	seq := fs.Int("seq", 0, "backup number to export (0 = live config)")
	out := fs.String("out", "", "output file (default stdout)")
	passwordFile := fs.String("password-file", "", "file holding the encryption password (default $"+passwordEnv+")")
	fs.Parse(args)

	settings, logger := loadSettings(*settingsPath, logger)
	password, err := exportPassword(*passwordFile)
	if err != nil {
		logger.Error("export failed", "err", err)
		os.Exit(1)
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.OpenFile(*out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			logger.Error("failed to create export file", "err", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}
	if err := openStore(settings, logger).Export(w, *seq, password); err != nil {
		logger.Error("export failed", "err", err)
		os.Exit(1)
	}
	if *out != "" {
		logger.Info("config exported", "path", *out, "seq", *seq)
	}
}

func Import(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("backup import", flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	passwordFile := fs.String("password-file", "", "file holding the encryption password (default $"+passwordEnv+")")
	noRestart := fs.Bool("no-restart", false, "import without restarting xray")
	pos := parseArgs(fs, args)
	path := requireArg(fs, pos, "export file")

	settings, logger := loadSettings(*settingsPath, logger)
	password, err := exportPassword(*passwordFile)
	if err != nil {
		logger.Error("import failed", "err", err)
		os.Exit(1)
	}
	f, err := os.Open(path)
	if err != nil {
		logger.Error("failed to open export", "err", err)
		os.Exit(1)
	}
	defer f.Close()

	cfg, b, err := openStore(settings, logger).Import(f, password)
	if err != nil {
		logger.Error("import failed", "err", err)
		os.Exit(1)
	}
	if b != nil {
		logger.Info("previous config backed up", "seq", b.Seq)
	}
	if !*noRestart && !restartProxy(context.Background(), settings, logger) {
		os.Exit(1)
	}
	fmt.Printf("Imported config with %d users.\n", len(cfg.Users()))
}
