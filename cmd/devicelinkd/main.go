// Command devicelinkd runs the connectivity and firmware-update control
// plane of a device: one connection manager per bearer, the status
// aggregator, the update pipeline and the local HTTP interface.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
