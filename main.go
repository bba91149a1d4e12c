package main

import "air-quality-alerts/internal/cli"

func main() {
	cli.Execute()
}
