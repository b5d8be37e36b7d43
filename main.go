package main

import "github.com/AzielCF/az-dispatch/cmd"

func main() {
	cmd.Execute()
}
