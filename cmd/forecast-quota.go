package main

import (
	"os"

	"forecast-quota/internal/cli"
)

var version = "0.1.0"

func main() {
	os.Exit(cli.Execute(version))
}
