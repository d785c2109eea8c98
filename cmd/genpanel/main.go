// Command genpanel monitors and controls a generator panel over its serial bridge.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
