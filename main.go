package main

import "github.com/sglang-go/scheduler-core/cmd"

func main() {
	cmd.Execute()
}
