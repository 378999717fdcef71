package main

import (
	"os"

	"github.com/grovetools/tabsync/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
