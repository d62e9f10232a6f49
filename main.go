// The main package for the sitestitch executable.
package main

import (
	"github.com/sitestitch/sitestitch/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
