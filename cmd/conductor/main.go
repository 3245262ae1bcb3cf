package main

import "github.com/felixgeelhaar/conductor/cmd/conductor/cli"

func main() {
	cli.Execute()
}
