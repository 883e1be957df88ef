package main

import (
	"fmt"
	"os"

	"github.com/smallbiznis/xpm-connect/internal/cli"
)

var version = "dev"

func main() {
	root := cli.NewRootCmd(version, nil)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
