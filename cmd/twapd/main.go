package main

import "indexed-twap/internal/cli"

func main() {
	cli.Execute()
}
