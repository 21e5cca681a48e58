// Command renewald runs the recurring billing service.
//
//	renewald serve      HTTP API, webhook receiver and scheduled sweeps
//	renewald sweep      charge every due subscription once and exit
//	renewald migrate    apply the postgres schema
//
// Configuration comes from RENEWAL_* environment variables, an optional
// .env file and an optional YAML file (--config or RENEWAL_CONFIG_FILE).
package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
