package main

import "github.com/gilberth/hass-mcp/internal/cli"

func main() {
	cli.Execute()
}
