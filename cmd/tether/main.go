package main

import (
	"os"

	"github.com/tetherdev/tether/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
