package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/taskmem/internal/config"
	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/logging"
	"github.com/hpungsan/taskmem/internal/mcp"
	"github.com/hpungsan/taskmem/internal/ops"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"memory": true, "transition": true, "sweep": true,
	"manifest": true, "index": true, "serve": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false
	}
	// Global flags may precede the subcommand, e.g. "taskmem --dir x memory list".
	for _, a := range os.Args[1:] {
		if cliCommands[a] {
			return true
		}
	}
	return isHelpOrVersion()
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a short usage note when run interactively without args.
func printBanner() {
	fmt.Println(`
  taskmem: per-task scratch memory for coding assistants

  Usage: taskmem <command> [options]
         taskmem --help

  MCP server mode requires piped input.`)
}

// openEnv resolves the memory directory, layers the global and repo config
// files, and wires the components.
func openEnv(flagDir string, verbose bool, logOut io.Writer) (*ops.Env, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errors.NewIOFailure("determine working directory", err)
	}
	base := config.ResolveBaseDir(flagDir, cwd)

	globalDir := base
	if home, err := os.UserHomeDir(); err == nil {
		globalDir = filepath.Join(home, config.DirName)
	}
	cfg, err := config.LoadWithRepo(globalDir, base)
	if err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("load config: %v", err))
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	logger := logging.New(logOut, level)

	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		logger.Warn("unknown tools in disabled_tools", "tools", unknown)
	}
	if unknown := mcp.ValidateDisabledTypes(cfg.DisabledTypes); len(unknown) > 0 {
		logger.Warn("unknown types in disabled_types", "types", unknown)
	}

	env, err := ops.Open(base, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("memory directory opened", "base", base)
	return env, nil
}

func main() {
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	if isCLIMode() {
		app := newCLIApp(&session{})
		if err := app.Run(os.Args); err != nil {
			code := 1
			if ec, ok := err.(cli.ExitCoder); ok {
				code = ec.ExitCode()
			}
			if msg := err.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(code)
		}
		return
	}

	// Unknown argument + terminal: report instead of starting the MCP server.
	if len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'taskmem --help' for usage.\n")
		os.Exit(2)
	}

	env, err := openEnv("", false, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(errors.ExitCode(err))
	}
	defer env.Close()

	if err := mcp.Run(env, Version); err != nil {
		env.Logger.Error("mcp server stopped", "error", err)
		env.Close()
		os.Exit(1)
	}
}
