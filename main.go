package main

import "github.com/adrij/fdm/cmd"

func main() {
	cmd.Execute()
}
