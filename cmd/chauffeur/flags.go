package main

import (
	"flag"
	"time"
)

// commonFlags are accepted by every browser-facing subcommand.
type commonFlags struct {
	target  string
	config  string
	timeout time.Duration
	json    bool
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.StringVar(&cf.target, "target", "", "target id (defaults to the current target)")
	fs.StringVar(&cf.config, "config", "", "path to a config file")
	fs.DurationVar(&cf.timeout, "timeout", 0, "command deadline (default 30s, or the configured navigate timeout for navigation)")
	fs.BoolVar(&cf.json, "json", false, "emit machine-readable JSON")
	return cf
}
