package main

import "github.com/talaha3/maaspower/internal/cli"

func main() {
	cli.Execute()
}
