// The main package for the harvester executable.
package main

import (
	"github.com/openharvest/harvester/cmd"
)

func main() {
	cmd.Execute()
}
