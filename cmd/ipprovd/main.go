// ipprovd is the IP address provisioning daemon.
//
// It acquires and maintains addresses, routes and DNS configuration on
// each configured interface via DHCPv4, DHCPv6 prefix delegation and
// SLAAC, and monitors neighbor reachability.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/psaab/ipprov/pkg/daemon"
)

func main() {
	configFile := flag.String("config", "/etc/ipprov/ipprov.conf", "configuration file path")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		APIAddr:    *apiAddr,
		Debug:      *debug,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ipprovd: %v\n", err)
		os.Exit(1)
	}
}
