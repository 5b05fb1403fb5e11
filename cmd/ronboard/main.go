// ronboard serves supervised coding agent sessions to the browser.
package main

import (
	"os"

	"github.com/SchlenkR/ronboard/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
