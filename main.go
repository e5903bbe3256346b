package main

import "github.com/nextlevelbuilder/replyguard/cmd"

func main() {
	cmd.Execute()
}
