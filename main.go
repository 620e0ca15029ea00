package main

import "github.com/TFMV/classmesh/cmd"

func main() {
	cmd.Execute()
}
