package main

import (
	"context"
	"fmt"
	"os"

	"consolevm/internal/cli"
	"consolevm/pkg/logger"
)

func main() {
	err := cli.NewRootCmd().ExecuteContext(context.Background())
	_ = logger.Close()
	code, report := cli.ExitCode(err)
	if report {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(code)
}
