package main

import "github.com/nextlevelbuilder/cah/cmd"

func main() {
	cmd.Execute()
}
