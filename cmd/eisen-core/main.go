// Package main provides the entry point for the eisen-core proxy.
package main

import (
	"fmt"
	"os"

	"github.com/eisen-labs/eisen-core/cmd/eisen-core/commands"
)

func main() {
	code, err := commands.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}
