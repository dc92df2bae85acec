package main

import "github.com/tanq16/modelfetch/cmd"

func main() {
	cmd.Execute()
}
