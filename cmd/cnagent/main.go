package main

import (
	"os"

	"github.com/netly/cnagent/cmd/cnagent/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
