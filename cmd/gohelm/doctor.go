package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/basket/go-helm/internal/config"
	"github.com/basket/go-helm/internal/doctor"
)

var statusGlyph = map[string]string{
	"PASS": "✓",
	"FAIL": "✗",
	"WARN": "!",
	"SKIP": "-",
}

// runDoctorCommand executes preflight checks and returns the process exit
// code: 0 when everything the deployment needs is in place, 1 otherwise.
func runDoctorCommand(ctx context.Context, configPath string, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit the diagnosis as JSON")
	_ = fs.Parse(args)

	var cfgPtr *config.Config
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode diagnosis: %v\n", err)
			return 1
		}
	} else {
		fmt.Printf("gohelm doctor %s (%s/%s, %s)\n\n",
			diag.System.Version, diag.System.OS, diag.System.Arch, diag.System.Go)
		for _, r := range diag.Results {
			glyph := statusGlyph[r.Status]
			if glyph == "" {
				glyph = "?"
			}
			fmt.Printf("  %s %-14s %s\n", glyph, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("      %s\n", r.Detail)
			}
		}
		fmt.Println()
	}

	if diag.Failed() {
		if !*asJSON {
			fmt.Println("One or more checks failed. Fix the items marked ✗ and re-run.")
		}
		return 1
	}
	if !*asJSON {
		fmt.Println("All checks passed.")
	}
	return 0
}
