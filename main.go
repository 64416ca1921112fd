package main

import "github.com/scienceol/doppio/cmd"

func main() {
	cmd.Execute()
}
