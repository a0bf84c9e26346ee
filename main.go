package main

import "github.com/slipway-io/slipway/cmd"

func main() {
	cmd.Execute()
}
