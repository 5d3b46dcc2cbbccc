package main

import (
	"fmt"
	"os"

	"github.com/openfactoryio/serving-layer/controller/cmd/router"
	"github.com/openfactoryio/serving-layer/controller/cmd/worker"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("expected a subcommand")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "worker":
		worker.Main(os.Args[2:])
	case "router":
		router.Main(os.Args[2:])
	default:
		fmt.Printf("unknown subcommand: %s", os.Args[1])
		os.Exit(1)
	}
}
