package main

import "market-tiers/internal/cli"

func main() {
	cli.Execute()
}
