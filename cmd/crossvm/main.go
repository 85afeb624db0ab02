// Command crossvm boots a Linux kernel in a KVM guest after bringing the
// host up stage by stage.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/crossvm/crossvm/internal/config"
	"github.com/crossvm/crossvm/internal/vmm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "crossvm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.NewFlags("crossvm", os.Stderr)
	cfg, err := flags.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(flags.Args()) > 0 {
		return fmt.Errorf("unexpected arguments: %v", flags.Args())
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	subs, err := vmm.HostSubsystems(cfg, os.Stdout)
	if err != nil {
		return err
	}
	seq, err := vmm.NewSequencer(vmm.DefaultStages(subs)...)
	if err != nil {
		return err
	}

	m := &vmm.Machine{Logger: slog.Default(), LogLevel: level}
	defer func() {
		if err := m.Close(); err != nil {
			slog.Warn("shutdown", "error", err)
		}
	}()

	return seq.Run(context.Background(), m)
}
