package main

import (
	"os"

	"github.com/determined-ai/determined-sub004/srcs/go/cmd/kungfu-fake-trainer/app"
)

func main() {
	if err := app.Main(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
