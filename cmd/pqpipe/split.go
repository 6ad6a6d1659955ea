package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kingpin/v2"
)

// splitStatements splits a SQL script on semicolons. Semicolons inside
// quoted strings, quoted identifiers and line comments do not split.
// Line comments are dropped.
func splitStatements(script string) []string {
	var (
		out       []string
		b         strings.Builder
		inSingle  bool
		inDouble  bool
		inComment bool
	)

	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}

	for i := 0; i < len(script); i++ {
		c := script[i]

		switch {
		case inComment:
			if c == '\n' {
				inComment = false
				b.WriteByte(c)
			}
			continue
		case inSingle:
			b.WriteByte(c)
			if c == '\'' {
				inSingle = false
			}
			continue
		case inDouble:
			b.WriteByte(c)
			if c == '"' {
				inDouble = false
			}
			continue
		}

		switch c {
		case '-':
			if i+1 < len(script) && script[i+1] == '-' {
				inComment = true
				i++
				continue
			}
		case '\'':
			inSingle = true
		case '"':
			inDouble = true
		case ';':
			flush()
			continue
		}
		b.WriteByte(c)
	}
	flush()

	return out
}

// readScripts returns the statements of every file in order. "-" reads
// standard input.
func readScripts(files []string) ([]string, error) {
	var statements []string
	for _, name := range files {
		var (
			data []byte
			err  error
		)
		if name == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		statements = append(statements, splitStatements(string(data))...)
	}
	return statements, nil
}

// splitCommand prints the statements a script splits into.
type splitCommand struct {
	files []string
}

func addSplitCommand(app *kingpin.Application) {
	cmd := &splitCommand{}
	c := app.Command("split", "Print the statements a script splits into without running them.").Action(cmd.run)
	c.Arg("file", "SQL script files; - reads standard input.").Required().StringsVar(&cmd.files)
}

func (cmd *splitCommand) run(_ *kingpin.ParseContext) error {
	statements, err := readScripts(cmd.files)
	if err != nil {
		exitWithErr(err)
	}
	for i, stmt := range statements {
		fmt.Printf("%s %s\n", colorDim(fmt.Sprintf("[%d]", i+1)), stmt)
	}
	return nil
}
