package main

import "github.com/jvs-project/jvb/internal/cli"

func main() {
	cli.Execute()
}
