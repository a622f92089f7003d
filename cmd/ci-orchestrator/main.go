package main

import "github.com/davarch/ci-orchestrator/cmd/ci-orchestrator/cli"

func main() {
	cli.Execute()
}
