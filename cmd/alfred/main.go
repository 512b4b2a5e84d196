// Alfred is a multi-tenant AI gateway: one OpenAI-compatible endpoint in
// front of multiple LLM providers, with credit metering, hierarchical budget
// wallets, and a hash-chained audit journal.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/AlfredDev/alfred/internal/config"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/alfred.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	genKey := flag.Bool("gen-admin-key", false, "print a fresh admin API key and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("alfred", version)
		os.Exit(0)
	}
	if *genKey {
		fmt.Println(config.GenerateAdminKey())
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
