// The main package for the geosync executable.
package main

import (
	"github.com/JakeFAU/forum-geosync/cmd"
)

func main() {
	cmd.Execute()
}
