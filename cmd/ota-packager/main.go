package main

import "github.com/oshokin/ota-agent/cmd/ota-packager/cmd"

func main() {
	cmd.Execute()
}
