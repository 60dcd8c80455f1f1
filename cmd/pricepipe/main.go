package main

import "market-pipeline/internal/cli"

func main() {
	cli.Execute()
}
