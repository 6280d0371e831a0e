package main

import "basegraph.app/batchinfer/internal/cli"

func main() {
	cli.Execute()
}
