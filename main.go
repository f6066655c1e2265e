// The main package for the provider executable.
package main

import (
	"github.com/JakeFAU/sports-provider-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
