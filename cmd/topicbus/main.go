package main

import "github.com/nfrund/topicbus/cmd/topicbus/cmd"

func main() {
	cmd.Execute()
}
