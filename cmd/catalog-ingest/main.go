// The main package for the catalog-ingest executable.
package main

import (
	"github.com/JakeFAU/catalog-ingest-crawler/cmd"
)

func main() {
	cmd.Execute()
}
