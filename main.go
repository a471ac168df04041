package main

import (
	"github.com/danielberg/mirror/cmd"
	"github.com/danielberg/mirror/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
