package main

import (
	"github.com/hayashikawa/renderpool/cmd/renderpool/commands"
)

func main() {
	commands.Execute()
}
