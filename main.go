package main

import "github.com/nextlevelbuilder/clawhub/cmd"

func main() {
	cmd.Execute()
}
