// Command portracker discovers and attributes every listening port on a
// host and serves the result over HTTP.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
