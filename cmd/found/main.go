package main

import "github.com/blacktop/go-fmbridge/cmd/found/cmd"

func main() {
	cmd.Execute()
}
