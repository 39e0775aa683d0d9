package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basket/turnstream/internal/config"
	"github.com/basket/turnstream/internal/doctor"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the diagnosis as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var cfgPtr *config.Config
	if cfg, err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	} else {
		cfgPtr = &cfg
	}
	d := doctor.Run(ctx, cfgPtr, version)
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(d)
	} else {
		printDiagnosis(os.Stdout, d)
	}
	if d.Failed() {
		return 1
	}
	return 0
}

func printDiagnosis(w io.Writer, d doctor.Diagnosis) {
	fmt.Fprintf(w, "turnd %s (%s/%s, %s)\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
	for _, r := range d.Results {
		fmt.Fprintf(w, "  [%s] %-10s %s\n", r.Status, r.Name, r.Message)
		if r.Detail != "" {
			fmt.Fprintf(w, "         %s\n", r.Detail)
		}
	}
}
