package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/taskmem/internal/errors"
	"github.com/hpungsan/taskmem/internal/lifecycle"
	"github.com/hpungsan/taskmem/internal/ops"
	"github.com/hpungsan/taskmem/internal/web"
)

// maxStdinBytes bounds content and event input read from stdin.
const maxStdinBytes = 4 << 20

// session opens the memory directory on first use, so help and version
// never touch the filesystem.
type session struct {
	env   *ops.Env
	owned bool
}

func (s *session) open(c *cli.Context) (*ops.Env, error) {
	if s.env != nil {
		return s.env, nil
	}
	env, err := openEnv(c.String("dir"), c.Bool("verbose"), c.App.ErrWriter)
	if err != nil {
		return nil, err
	}
	s.env = env
	s.owned = true
	return env, nil
}

// close releases an env the session opened itself.
func (s *session) close() error {
	if s.env == nil || !s.owned {
		return nil
	}
	return s.env.Close()
}

// action adapts an operation to a cli.ActionFunc: it opens the session,
// prints the result as JSON and maps errors to exit codes.
func (s *session) action(fn func(c *cli.Context, env *ops.Env) (any, error)) cli.ActionFunc {
	return func(c *cli.Context) error {
		env, err := s.open(c)
		if err != nil {
			return outputError(err)
		}
		out, err := fn(c, env)
		if err != nil {
			return outputError(err)
		}
		return outputJSON(c.App.Writer, out)
	}
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(s *session) *cli.App {
	app := &cli.App{
		Name:    "taskmem",
		Usage:   "Per-task scratch memory driven by task status changes",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "Memory directory (default: $TASKMEM_DIR, nearest .taskmem, ./.taskmem)"},
			&cli.BoolFlag{Name: "verbose", Usage: "Debug logging to stderr"},
		},
		Commands: []*cli.Command{
			memoryCmd(s),
			transitionCmd(s),
			sweepCmd(s),
			manifestCmd(s),
			indexCmd(s),
			serveCmd(s),
		},
		After: func(*cli.Context) error { return s.close() },
	}
	// Errors are returned to main, which owns printing and the exit code.
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func memoryCmd(s *session) *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Inspect and edit task memories",
		Subcommands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "Counts, sizes and size warnings",
				Action: s.action(func(c *cli.Context, env *ops.Env) (any, error) {
					return ops.Stats(c.Context, env)
				}),
			},
			{
				Name:  "list",
				Usage: "List memories, most recently updated first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "state", Usage: "Filter by state: active|archived"},
					&cli.StringFlag{Name: "match", Aliases: []string{"m"}, Usage: "Glob over task ids"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Max results"},
					&cli.IntFlag{Name: "offset", Usage: "Pagination offset"},
				},
				Action: s.action(func(c *cli.Context, env *ops.Env) (any, error) {
					return ops.List(c.Context, env, ops.ListInput{
						State:  c.String("state"),
						Match:  c.String("match"),
						Limit:  c.Int("limit"),
						Offset: c.Int("offset"),
					})
				}),
			},
			{
				Name:      "show",
				Usage:     "Show one memory",
				ArgsUsage: "<task-id>",
				Action: s.action(func(c *cli.Context, env *ops.Env) (any, error) {
					return ops.Show(c.Context, env, c.Args().First())
				}),
			},
			{
				Name:      "append",
				Usage:     "Append content to an active memory (content from args or stdin)",
				ArgsUsage: "<task-id> [content...]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "section", Aliases: []string{"s"}, Usage: "Target section, e.g. decisions"},
				},
				Action: s.action(func(c *cli.Context, env *ops.Env) (any, error) {
					content := strings.Join(c.Args().Tail(), " ")
					if content == "" {
						text, err := readInput(c.App.Reader, maxStdinBytes)
						if err != nil {
							return nil, err
						}
						content = text
					}
					return ops.Append(c.Context, env, ops.AppendInput{
						TaskID:  c.Args().First(),
						Content: content,
						Section: c.String("section"),
					})
				}),
			},
			{
				Name:      "compact",
				Usage:     "Deduplicate entries and keep the latest value per key",
				ArgsUsage: "<task-id>",
				Action: s.action(func(c *cli.Context, env *ops.Env) (any, error) {
					return ops.Compact(c.Context, env, c.Args().First())
				}),
			},
			{
				Name:      "search",
				Usage:     "Full-text search over active and archived memories",
				ArgsUsage: "<query...>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "state", Usage: "Filter by state: active|archived"},
					&cli.StringFlag{Name: "match", Aliases: []string{"m"}, Usage: "Glob over task ids"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Max hits (default 20)"},
				},
				Action: s.action(func(c *cli.Context, env *ops.Env) (any, error) {
					return ops.Search(c.Context, env, ops.SearchInput{
						Query: strings.Join(c.Args().Slice(), " "),
						State: c.String("state"),
						Match: c.String("match"),
						Limit: c.Int("limit"),
					})
				}),
			},
			{
				Name:      "export",
				Usage:     "Export memories with snapshots to JSONL",
				ArgsUsage: "[task-id] [path]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Aliases: []string{"o"}, Usage: "Output .jsonl path"},
					&cli.StringFlag{Name: "state", Usage: "Filter by state: active|archived"},
					&cli.StringFlag{Name: "match", Aliases: []string{"m"}, Usage: "Glob over task ids"},
					&cli.StringFlag{Name: "pr", Usage: "Pull request reference; writes exports/pr-<n>.jsonl"},
				},
				Action: s.action(func(c *cli.Context, env *ops.Env) (any, error) {
					input := ops.ExportInput{
						TaskID: c.Args().Get(0),
						Path:   c.String("path"),
						State:  c.String("state"),
						Match:  c.String("match"),
						PR:     c.String("pr"),
					}
					if p := c.Args().Get(1); p != "" {
						input.Path = p
					}
					return ops.Export(c.Context, env, input)
				}),
			},
			{
				Name:      "import",
				Usage:     "Import memories from a JSONL export",
				ArgsUsage: "[path]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "from-pr", Usage: "Pull request reference: 123, #123, pr-123"},
					&cli.StringFlag{Name: "mode", Value: string(ops.ImportModeError), Usage: "Collision mode: error|replace"},
				},
				Action: s.action(func(c *cli.Context, env *ops.Env) (any, error) {
					return ops.Import(c.Context, env, ops.ImportInput{
						Path:   c.Args().First(),
						FromPR: c.String("from-pr"),
						Mode:   ops.ImportMode(c.String("mode")),
					})
				}),
			},
			{
				Name:      "purge",
				Usage:     "Permanently delete a memory in any state",
				ArgsUsage: "<task-id>",
				Action: s.action(func(c *cli.Context, env *ops.Env) (any, error) {
					return ops.Purge(c.Context, env, c.Args().First())
				}),
			},
			{
				Name:      "quarantine",
				Usage:     "Move a task's corrupted files aside",
				ArgsUsage: "<task-id>",
				Action: s.action(func(c *cli.Context, env *ops.Env) (any, error) {
					return ops.Quarantine(c.Context, env, c.Args().First())
				}),
			},
		},
	}
}

func transitionCmd(s *session) *cli.Command {
	return &cli.Command{
		Name:  "transition",
		Usage: "Apply a task status change, or a batch of them with --events",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "task", Aliases: []string{"t"}, Usage: "Task id"},
			&cli.StringFlag{Name: "from", Usage: "Previous status"},
			&cli.StringFlag{Name: "to", Usage: "New status"},
			&cli.StringFlag{Name: "content", Usage: "Initial content for a new memory"},
			&cli.StringFlag{Name: "events", Usage: "JSON/JSONL events file, or - for stdin"},
		},
		Action: s.action(func(c *cli.Context, env *ops.Env) (any, error) {
			if src := c.String("events"); src != "" {
				if c.IsSet("task") {
					return nil, errors.NewInvalidRequest("specify either --task or --events, not both")
				}
				r, closeFn, err := openEvents(c.App.Reader, src)
				if err != nil {
					return nil, err
				}
				defer closeFn()
				return ops.TransitionBatch(c.Context, env, r)
			}
			if c.String("task") == "" {
				return nil, errors.NewInvalidRequest("--task or --events is required")
			}
			return ops.Transition(c.Context, env, lifecycle.Event{
				TaskID:    c.String("task"),
				OldStatus: c.String("from"),
				NewStatus: c.String("to"),
				Content:   c.String("content"),
			})
		}),
	}
}

func sweepCmd(s *session) *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Delete closed memories past the retention window",
		Action: s.action(func(c *cli.Context, env *ops.Env) (any, error) {
			return ops.Sweep(c.Context, env)
		}),
	}
}

func manifestCmd(s *session) *cli.Command {
	return &cli.Command{
		Name:  "manifest",
		Usage: "Inspect and repair the active-memory manifest",
		Subcommands: []*cli.Command{
			{
				Name:  "render",
				Usage: "Print the import directives for active memories",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "text", Usage: "Print directives one per line instead of JSON"},
				},
				Action: func(c *cli.Context) error {
					env, err := s.open(c)
					if err != nil {
						return outputError(err)
					}
					out, err := ops.ManifestRender(c.Context, env)
					if err != nil {
						return outputError(err)
					}
					if c.Bool("text") {
						for _, d := range out.Directives {
							fmt.Fprintln(c.App.Writer, d)
						}
						return nil
					}
					return outputJSON(c.App.Writer, out)
				},
			},
			{
				Name:  "verify",
				Usage: "Compare the manifest with active memories on disk (exit 8 on drift)",
				Action: func(c *cli.Context) error {
					env, err := s.open(c)
					if err != nil {
						return outputError(err)
					}
					rep, err := ops.ManifestVerify(c.Context, env)
					if err != nil {
						return outputError(err)
					}
					if err := outputJSON(c.App.Writer, rep); err != nil {
						return err
					}
					if !rep.OK {
						return outputError(errors.NewConflict("manifest does not match active memories; run 'taskmem manifest repair'"))
					}
					return nil
				},
			},
			{
				Name:  "repair",
				Usage: "Rewrite the manifest from active memories on disk",
				Action: s.action(func(c *cli.Context, env *ops.Env) (any, error) {
					return ops.ManifestRepair(c.Context, env)
				}),
			},
		},
	}
}

func indexCmd(s *session) *cli.Command {
	return &cli.Command{
		Name:  "index",
		Usage: "Manage the search index",
		Subcommands: []*cli.Command{
			{
				Name:  "rebuild",
				Usage: "Drop and rebuild the search index",
				Action: s.action(func(c *cli.Context, env *ops.Env) (any, error) {
					return ops.RebuildIndex(c.Context, env)
				}),
			},
		},
	}
}

func serveCmd(s *session) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the read-only dashboard",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Bind address"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 8470, Usage: "Port"},
		},
		Action: func(c *cli.Context) error {
			env, err := s.open(c)
			if err != nil {
				return outputError(err)
			}
			srv, err := web.NewServer(env, Version, c.String("bind"), c.Int("port"))
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			if err := web.Run(srv, env.Logger); err != nil {
				return outputError(errors.NewIOFailure("serve dashboard", err))
			}
			return nil
		},
	}
}

// Helper functions

// outputJSON writes v to w as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats err as "[CODE] message" with the exit code for its kind.
// Signals such as NOTHING_TO_COMPACT exit 0.
func outputError(err error) error {
	memErr := errors.Wrap(err)
	return cli.Exit(fmt.Sprintf("[%s] %s", memErr.Code, memErr.Message), errors.ExitCode(memErr))
}

// openEvents returns the events source: stdin for "-", otherwise a file.
func openEvents(stdin io.Reader, src string) (io.Reader, func(), error) {
	if src == "-" {
		return io.LimitReader(stdin, maxStdinBytes), func() {}, nil
	}
	f, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.NewFileNotFound(src)
		}
		return nil, nil, errors.NewIOFailure("open events file", err)
	}
	return f, func() { f.Close() }, nil
}

// readInput reads at most limit bytes from r, trimmed.
func readInput(r io.Reader, limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", errors.NewIOFailure("read stdin", err)
	}
	if int64(len(data)) > limit {
		return "", errors.NewInvalidRequest(fmt.Sprintf("input exceeds %d bytes", limit))
	}
	return strings.TrimSpace(string(data)), nil
}
