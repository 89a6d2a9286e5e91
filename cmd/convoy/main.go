// Command convoy runs fleets of issue pipelines. See internal/cmd.
package main

import (
	"fmt"
	"os"

	"github.com/Iron-Ham/convoy/internal/cmd"
	"github.com/Iron-Ham/convoy/internal/errors"
)

func main() {
	err := cmd.Execute()
	if err == nil {
		return
	}
	code := 1
	var exit *cmd.ExitError
	if errors.As(err, &exit) {
		code = exit.Code
		err = exit.Err
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, cmd.FormatError(err))
	}
	os.Exit(code)
}
