package main

import "github.com/oshokin/ota-agent/cmd/ota-agent/cmd"

func main() {
	cmd.Execute()
}
