// Command engine renders, plays and inspects realm graphs described by
// configuration files. It's also the executable of out-of-process plugin
// hosts.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}
