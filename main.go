package main

import "github.com/audiolibrelab/labcapture/cmd"

func main() {
	cmd.Execute()
}
