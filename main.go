// The main package for the ingestor executable.
package main

import (
	"github.com/JakeFAU/content-ingest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
