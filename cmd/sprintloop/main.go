package main

import "github.com/nidhogg/sprintloop/internal/cli"

func main() {
	cli.Execute()
}
