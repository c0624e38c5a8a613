// The main package for the digicrawl executable.
package main

import (
	"github.com/mlevasseur/digicrawl/cmd"
)

func main() {
	cmd.Execute()
}
