package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/turnstream/internal/config"
	"github.com/basket/turnstream/internal/persistence"
)

func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: turnd backup <dest.db>")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.Backup(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Printf("backed up %s to %s\n", cfg.DBPath, args[0])
	return 0
}
