// Command walctl inspects and maintains a carecore durable store.
package main

import (
	"os"

	"carecore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
