package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/dan-strohschein/sqlpipeline/logging"
	"github.com/dan-strohschein/sqlpipeline/pipeline"
	"github.com/dan-strohschein/sqlpipeline/session"
	"github.com/dan-strohschein/sqlpipeline/session/pgsession"
)

// runCommand runs SQL scripts against a server through one pipeline.
type runCommand struct {
	configPath string
	dsn        string
	retain     int
	logLevel   string
	timeout    time.Duration
	debug      bool
	quiet      bool
	files      []string
}

func addRunCommand(app *kingpin.Application) {
	cmd := &runCommand{}
	c := app.Command("run", "Run SQL scripts through a query pipeline.").Action(cmd.run)
	c.Flag("config", "YAML config file.").Short('c').StringVar(&cmd.configPath)
	c.Flag("dsn", "PostgreSQL connection string.").Envar("PQPIPE_DSN").StringVar(&cmd.dsn)
	c.Flag("retain", "Statements to accumulate before sending a batch.").Default("-1").IntVar(&cmd.retain)
	c.Flag("log-level", "Log level (debug, info, warn, error).").StringVar(&cmd.logLevel)
	c.Flag("timeout", "Overall time limit for the run.").Default("5m").DurationVar(&cmd.timeout)
	c.Flag("debug", "Log every dispatched batch.").BoolVar(&cmd.debug)
	c.Flag("quiet", "Only print the summary.").Short('q').BoolVar(&cmd.quiet)
	c.Arg("file", "SQL script files; - reads standard input.").StringsVar(&cmd.files)
}

// config merges the config file with flags. Flags win.
func (cmd *runCommand) config() (Config, error) {
	cfg := defaultConfig()
	if cmd.configPath != "" {
		loaded, err := loadConfig(cmd.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if cmd.dsn != "" {
		cfg.DSN = cmd.dsn
	}
	if cmd.retain >= 0 {
		cfg.Retain = cmd.retain
	}
	if cmd.logLevel != "" {
		cfg.LogLevel = cmd.logLevel
	}
	return cfg, cfg.validate()
}

// run exits only after execute has closed the session.
func (cmd *runCommand) run(_ *kingpin.ParseContext) error {
	sum, err := cmd.execute()
	if err != nil {
		exitWithErr(err)
	}
	if code := sum.exitCode(); code != 0 {
		os.Exit(code)
	}
	return nil
}

func (cmd *runCommand) execute() (summary, error) {
	var sum summary

	cfg, err := cmd.config()
	if err != nil {
		return sum, err
	}

	statements := append([]string(nil), cfg.Statements...)
	fromFiles, err := readScripts(cmd.files)
	if err != nil {
		return sum, err
	}
	statements = append(statements, fromFiles...)
	if len(statements) == 0 {
		return sum, errors.New("nothing to run: pass script files or set statements in the config")
	}

	logger := logging.NewLogger(strings.ToLower(cfg.LogLevel), os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), cmd.timeout)
	defer cancel()

	sess, err := pgsession.Connect(ctx, cfg.DSN, logger)
	if err != nil {
		return sum, err
	}
	defer func() {
		if cerr := sess.Close(context.Background()); cerr != nil {
			logger.Warn("failed to close session", logging.Error("error", cerr))
		}
	}()

	opts := pipeline.DefaultOptions()
	opts.Name = "pqpipe"
	opts.Retain = cfg.Retain
	opts.Logger = logger
	opts.DebugMode = cmd.debug

	out := io.Writer(os.Stdout)
	if cmd.quiet {
		out = io.Discard
	}

	sum, err = runStatements(ctx, sess, statements, opts, out)
	printSummary(os.Stdout, sum)
	return sum, err
}

type summary struct {
	succeeded int
	failed    int
	skipped   int
}

// exitCode is 2 when any statement failed or was skipped.
func (s summary) exitCode() int {
	if s.failed > 0 || s.skipped > 0 {
		return 2
	}
	return 0
}

// runStatements inserts every statement into a pipeline, then retrieves the
// results in order. A statement that fails is reported and the statements
// after it are reported as skipped. Errors that break the pipeline abort the
// run.
func runStatements(ctx context.Context, sess session.Session, statements []string, opts pipeline.Options, out io.Writer) (summary, error) {
	var sum summary

	p, err := pipeline.New(sess, &opts)
	if err != nil {
		return sum, err
	}
	defer p.Close(ctx)

	ids := make([]pipeline.QueryID, 0, len(statements))
	for _, stmt := range statements {
		id, err := p.Insert(ctx, stmt)
		if err != nil {
			return sum, fmt.Errorf("failed to insert %q: %w", stmt, err)
		}
		ids = append(ids, id)
	}
	if err := p.Complete(ctx); err != nil {
		return sum, err
	}

	for i, id := range ids {
		label := fmt.Sprintf("[%d] %s", i+1, statements[i])

		_, res, err := p.Retrieve(ctx, id)
		var stmtErr *session.StatementError
		switch {
		case err == nil:
			sum.succeeded++
			printSuccess(out, label)
			printResult(out, res)
		case errors.Is(err, pipeline.ErrEarlierQueryFailed):
			sum.skipped++
			printSkipped(out, label+colorDim(" (skipped)"))
		case errors.As(err, &stmtErr):
			sum.failed++
			printFailure(out, label)
			fmt.Fprintln(out, "    "+colorRed(stmtErr.Error()))
		default:
			return sum, err
		}
	}

	// Failed statements stay in the pipeline until flushed.
	if err := p.Flush(ctx); err != nil {
		return sum, err
	}
	return sum, nil
}

func printResult(w io.Writer, res *session.Result) {
	if res == nil || len(res.Columns) == 0 {
		if res != nil && res.CommandTag != "" {
			fmt.Fprintln(w, "    "+colorDim(res.CommandTag))
		}
		return
	}

	rows := make([][]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v.Valid {
				cells[i] = v.String
			} else {
				cells[i] = "NULL"
			}
		}
		rows = append(rows, cells)
	}
	printTable(w, res.Columns, rows)
}

func printSummary(w io.Writer, sum summary) {
	printHeader(w, "Summary")
	fmt.Fprintf(w, "  %s  %s  %s\n",
		colorGreen(fmt.Sprintf("%d succeeded", sum.succeeded)),
		colorRed(fmt.Sprintf("%d failed", sum.failed)),
		colorYellow(fmt.Sprintf("%d skipped", sum.skipped)))
}
