package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapcube/pkg/compiler"
	"github.com/leapstack-labs/leapcube/pkg/dialect"
)

const (
	replPrompt     = "leapcube> "
	replContPrompt = "     ...> "
)

// NewREPLCommand creates the repl command.
func NewREPLCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Compile queries interactively",
		Long: `Start an interactive session that compiles JSON queries as you type.

A query may span several lines and ends with a semicolon. Dot commands
inspect the model and change session settings; type .help to list them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			s, err := newREPLSession(cc)
			if err != nil {
				return err
			}

			var history string
			if cc.Cfg.ProjectRoot != "" {
				history = filepath.Join(cc.Cfg.ProjectRoot, ".leapcube_history")
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          replPrompt,
				HistoryFile:     history,
				AutoComplete:    s.completer(),
				InterruptPrompt: "^C",
				EOFPrompt:       ".quit",
				Stdin:           io.NopCloser(cmd.InOrStdin()),
				Stdout:          cc.Out,
				Stderr:          cc.Err,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize REPL: %w", err)
			}
			defer func() { _ = rl.Close() }()

			_, _ = fmt.Fprintf(cc.Out, "leapcube %s REPL (%s)\n", s.dialect(), cc.Cfg.ModelPath)
			_, _ = fmt.Fprintln(cc.Out, "Type .help for commands, .quit to exit")

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					s.reset()
					rl.SetPrompt(replPrompt)
					continue
				}
				if err != nil {
					return nil
				}
				prompt, quit := s.handle(cmd.Context(), line)
				if quit {
					return nil
				}
				rl.SetPrompt(prompt)
			}
		},
	}
}

// replSession holds the state of one REPL: the compiler, which may be
// rebuilt by .dialect, and the query being typed.
type replSession struct {
	cc      *CommandContext
	c       *compiler.Compiler
	pending strings.Builder
	execute bool
}

func newREPLSession(cc *CommandContext) (*replSession, error) {
	c, err := cc.Compiler()
	if err != nil {
		return nil, err
	}
	// table output of a compile is verbose for a prompt
	if cc.Cfg.Output == modeAuto {
		cc.Cfg.Output = modeSQL
	}
	return &replSession{cc: cc, c: c}, nil
}

func (s *replSession) dialect() string { return s.c.Dialect().Name }

func (s *replSession) reset() { s.pending.Reset() }

// handle processes one input line and returns the next prompt.
func (s *replSession) handle(ctx context.Context, line string) (string, bool) {
	line = strings.TrimSpace(line)
	if s.pending.Len() == 0 {
		if line == "" {
			return replPrompt, false
		}
		if strings.HasPrefix(line, ".") {
			return replPrompt, s.dot(line)
		}
	}
	s.pending.WriteString(line)
	s.pending.WriteByte('\n')
	if !strings.HasSuffix(line, ";") {
		return replContPrompt, false
	}
	input := strings.TrimSuffix(strings.TrimSpace(s.pending.String()), ";")
	s.reset()
	if err := s.run(ctx, input); err != nil {
		_, _ = fmt.Fprintf(s.cc.Err, "Error: %v\n", err)
	}
	return replPrompt, false
}

func (s *replSession) run(ctx context.Context, input string) error {
	queries, batch, err := parseQueries([]byte(input))
	if err != nil {
		return err
	}
	results, err := s.c.CompileBatch(ctx, queries)
	if err != nil {
		return err
	}
	if s.execute {
		return executeResults(ctx, s.cc, results)
	}
	return renderCompiled(s.cc, results, batch)
}

// dot runs a dot command and reports whether the session should end.
func (s *replSession) dot(line string) bool {
	fields := strings.Fields(line)
	out := s.cc.Out
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	switch strings.ToLower(fields[0]) {
	case ".quit", ".exit":
		return true
	case ".help":
		_, _ = fmt.Fprint(out, replHelp)
	case ".cubes":
		t := newTable(out, "Name", "Type", "Measures", "Dimensions", "Segments")
		for _, cm := range s.c.Meta() {
			t.AppendRow([]any{cm.Name, cm.Type, len(cm.Measures), len(cm.Dimensions), len(cm.Segments)})
		}
		t.Render()
	case ".members":
		s.members(arg)
	case ".dialect":
		if arg == "" {
			_, _ = fmt.Fprintf(out, "%s (available: %s)\n", s.dialect(), strings.Join(dialect.List(), ", "))
			break
		}
		if err := s.switchDialect(arg); err != nil {
			_, _ = fmt.Fprintf(s.cc.Err, "Error: %v\n", err)
			break
		}
		_, _ = fmt.Fprintf(out, "dialect set to %s\n", s.dialect())
	case ".output":
		switch arg {
		case modeTable, modeJSON, modeSQL:
			s.cc.Cfg.Output = arg
		default:
			_, _ = fmt.Fprintf(s.cc.Err, "Usage: .output table|json|sql\n")
		}
	case ".execute":
		switch arg {
		case "on":
			if s.cc.Cfg.Target == nil {
				_, _ = fmt.Fprintln(s.cc.Err, "Error: no target configured")
				break
			}
			s.execute = true
		case "off":
			s.execute = false
		default:
			_, _ = fmt.Fprintln(s.cc.Err, "Usage: .execute on|off")
		}
	default:
		_, _ = fmt.Fprintf(s.cc.Err, "Unknown command: %s (type .help for commands)\n", fields[0])
	}
	return false
}

func (s *replSession) members(cube string) {
	for _, cm := range s.c.Meta() {
		if cm.Name != cube {
			continue
		}
		t := newTable(s.cc.Out, "Member", "Kind", "Type", "Title")
		for _, m := range cm.Measures {
			t.AppendRow([]any{m.Name, "measure", m.Type, m.Title})
		}
		for _, m := range cm.Dimensions {
			t.AppendRow([]any{m.Name, "dimension", m.Type, m.Title})
		}
		for _, m := range cm.Segments {
			t.AppendRow([]any{m.Name, "segment", "", m.Title})
		}
		t.Render()
		return
	}
	_, _ = fmt.Fprintf(s.cc.Err, "Error: unknown cube %q\n", cube)
}

func (s *replSession) switchDialect(name string) error {
	if _, err := dialect.Lookup(name); err != nil {
		return err
	}
	opts := s.cc.CompilerOptions()
	opts.Dialect = name
	c, err := compiler.New(s.c.Model(), opts)
	if err != nil {
		return err
	}
	s.cc.Cfg.Dialect = name
	s.c = c
	return nil
}

// completer offers dot commands, cube names after .members and dialect
// names after .dialect.
func (s *replSession) completer() *readline.PrefixCompleter {
	var cubes []readline.PrefixCompleterInterface
	for _, cm := range s.c.Meta() {
		cubes = append(cubes, readline.PcItem(cm.Name))
	}
	var dialects []readline.PrefixCompleterInterface
	for _, n := range dialect.List() {
		dialects = append(dialects, readline.PcItem(n))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem(".help"),
		readline.PcItem(".cubes"),
		readline.PcItem(".members", cubes...),
		readline.PcItem(".dialect", dialects...),
		readline.PcItem(".output", readline.PcItem(modeTable), readline.PcItem(modeJSON), readline.PcItem(modeSQL)),
		readline.PcItem(".execute", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem(".quit"),
	)
}

const replHelp = `Commands:
  .help              Show this help message
  .cubes             List cubes and views
  .members <cube>    List the members of a cube
  .dialect [name]    Show or change the SQL dialect
  .output <mode>     Set output to table, json or sql
  .execute on|off    Run compiled queries against the target
  .quit / .exit      Exit the REPL

Queries are JSON objects (or arrays of them) ending with a semicolon.
`
