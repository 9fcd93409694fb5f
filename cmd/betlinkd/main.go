package main

import "github.com/betlink/betlinkd/internal/cli"

func main() {
	cli.Execute()
}
