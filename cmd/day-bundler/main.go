// Package main provides the day-bundler tool.
//
// For each command it collects the 5-minute raw bundles of one service day
// (03:00 local to 03:00 local) from the object store and writes a single
// tar.xz archive with an index.json, keyed <command>/bundle-<day>.tar.xz.
// Existing archives are left untouched, so re-runs are safe.
//
// Usage:
//
//	day-bundler [--day YYYYMMDD] [--commands getvehicles,getpredictions,...] [options]
//
// The day defaults to the most recently completed service day. Source and
// destination follow --write-mode / TRACKERWRITE like the scrapers.
//
// Exit codes: 0 success, 1 any command failed to archive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bustracker/internal/bundle"
	"bustracker/internal/clock"
	"bustracker/internal/config"
	"bustracker/internal/service"
	"bustracker/internal/transit"
)

var defaultCommands = []string{
	transit.CmdGetVehicles,
	transit.CmdGetPatterns,
	transit.CmdGetPredictions,
	transit.CmdTrainPositions,
	transit.CmdTrainArrivals,
}

func main() {
	os.Exit(run())
}

func run() int {
	var day, commands string
	cfg, err := config.Load("day-bundler", os.Args[1:], func(fs *flag.FlagSet) {
		fs.StringVar(&day, "day", "", "Service day to archive (YYYYMMDD, default: last completed)")
		fs.StringVar(&commands, "commands", strings.Join(defaultCommands, ","), "Comma-separated commands to archive")
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "day-bundler: %v\n", err)
		return 1
	}
	log := service.NewLogger(cfg.Debug)

	if day == "" {
		// The service day that ended at the most recent 03:00 local.
		day = clock.ServiceDay(time.Now().Add(-24 * time.Hour))
	}

	sink, _, err := service.OpenSink(cfg)
	if err != nil {
		log.Error("object store failed", "err", err)
		return 1
	}

	ctx := context.Background()
	bundler := bundle.NewDayBundler(sink, sink, log)

	failed := 0
	for _, command := range strings.Split(commands, ",") {
		command = strings.TrimSpace(command)
		if command == "" {
			continue
		}
		key, err := bundler.Run(ctx, command, day)
		if err != nil {
			log.Error("archive failed", "command", command, "day", day, "err", err)
			failed++
			continue
		}
		log.Info("archived", "command", command, "day", day, "key", key)
	}
	if failed > 0 {
		return 1
	}
	return config.ExitOK
}
