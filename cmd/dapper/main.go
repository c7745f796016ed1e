package main

import (
	"fmt"
	"os"

	"github.com/carsomyr/dapper/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dapper:", err)
		os.Exit(1)
	}
}
