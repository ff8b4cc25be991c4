package main

import "github.com/ngld/starbuild/cmd"

func main() {
	cmd.Execute()
}
