package main

import "ot2-driver/internal/cli"

func main() {
	cli.Execute()
}
