// Command ragctl ingests local documents and queries the passage store
// from the command line.
//
// Usage:
//
//	ragctl ingest report.pdf
//	ragctl search "scope 3 emissions" -n 5
package main

import (
	"github.com/joho/godotenv"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/cli"
)

func main() {
	_ = godotenv.Load()
	cli.Execute()
}
