package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/gpu-offload/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()
	os.Exit(cli.Execute())
}
