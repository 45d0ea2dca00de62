package main

import "github.com/openviber/openviber/cmd"

func main() {
	cmd.Execute()
}
