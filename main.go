// Idiomatic entrypoint for Cobra CLI that delegates handling to the
// Cobra root command in cmd/chunkrun/root.go.

package main

import (
	"github.com/chunkrun/chunkrun/cmd/chunkrun"
)

func main() {
	chunkrun.Execute()
}
