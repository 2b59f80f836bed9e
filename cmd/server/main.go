package main

import "tradieflow/cmd/cli"

func main() {
	cli.Execute()
}
