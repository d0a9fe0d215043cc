package main

import "github.com/plugwire/plugwire/cmd"

func main() {
	cmd.Execute()
}
