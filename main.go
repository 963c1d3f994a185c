package main

import (
	"github.com/fleetmaint/dispatchd/cmd"
)

func main() {
	cmd.Execute()
}
