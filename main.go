package main

import (
	"github.com/pypimirror/pypimirror/cmd"
	"github.com/pypimirror/pypimirror/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
