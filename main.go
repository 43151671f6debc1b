package main

import "github.com/agentstack/agentstack/cmd"

func main() {
	cmd.Execute()
}
