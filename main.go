package main

import (
	"xenlink/cmd"

	_ "go.uber.org/automaxprocs"
)

func main() {
	cmd.Execute()
}
