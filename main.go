package main

import "github.com/irfnriza/flowin-swm-server/cmd"

func main() {
	cmd.Execute()
}
