// Command pqpipe runs SQL scripts through a query pipeline and reports the
// outcome of every statement.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
)

const version = "1.0.0"

func main() {
	app := kingpin.New("pqpipe", "Run SQL statements through a query pipeline.")
	app.Version(version)
	app.HelpFlag.Short('h')

	addRunCommand(app)
	addSplitCommand(app)
	app.Command("version", "Show version information.").Action(func(_ *kingpin.ParseContext) error {
		fmt.Printf("pqpipe v%s\n", version)
		return nil
	})

	kingpin.MustParse(app.Parse(os.Args[1:]))
}

func exitWithErr(err error) {
	printError(err.Error())
	os.Exit(1)
}
