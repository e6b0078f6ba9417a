package main

import "tearleads.dev/keyhold/cli/cmd"

func main() {
	cmd.Execute()
}
