package main

import (
	"github.com/DrSkyle/whichscript/cmd/whichscript/commands"
)

func main() {
	commands.Execute()
}
