// Command adapterd runs the adapter factory behind its HTTP status API.
package main

import (
	stderr "errors"
	"fmt"
	"os"

	"github.com/shelfsync/adapterfactory/internal/cmd"
	"github.com/shelfsync/adapterfactory/pkg/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var fe *errors.FactoryError
		if stderr.As(err, &fe) {
			fmt.Fprintln(os.Stderr, "hint:", fe.GetRecommendation())
		}
		os.Exit(1)
	}
}
