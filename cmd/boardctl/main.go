package main

import (
	"os"

	"kanban-engine/cmd/boardctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
