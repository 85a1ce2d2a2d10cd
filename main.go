// The main package for the securescan executable.
package main

import (
	"github.com/JakeFAU/securescan/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
