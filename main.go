// The main package for the alcalor-scraper executable.
package main

import (
	"os"

	"github.com/JakeFAU/alcalor-scraper/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
