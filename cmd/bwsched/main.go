package main

import "github.com/example/bws-scheduler/cmd"

func main() {
	cmd.Execute()
}
