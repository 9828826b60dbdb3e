package main

import (
	"wheel-screener/internal/cli"
)

func main() {
	cli.Execute()
}
