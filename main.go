package main

import "github.com/kasuboski/reconcilearr/cmd"

func main() {
	cmd.Execute()
}
