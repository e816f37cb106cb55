package main

import (
	"fmt"
	"time"

	"github.com/nbuild/nbuild/internal/fingerprint"
	"github.com/nbuild/nbuild/internal/invocationlog"
	"github.com/nbuild/nbuild/internal/manifest"
	"github.com/nbuild/nbuild/internal/reaper"
	"github.com/pkg/errors"
)

// runClean implements spec.md §6.6's clean mode: run the reaper over every
// tracked output and exit. It reuses DeleteStaleOutputs against an empty
// manifest so every recorded step-hash is treated as no-longer-current,
// regardless of whether the real manifest still declares it.
func runClean(opts *options) error {
	fs := fingerprint.OSFS{}
	log, openRes, err := invocationlog.Open(opts.logPath, fs, time.Now)
	if err != nil {
		return errors.Wrap(err, "open invocation log")
	}
	defer log.Close()

	reaper.DeleteStaleOutputs(fs, &manifest.Compiled{}, log.Invocations())

	if openRes.NeedsRecompact {
		if err := log.Recompact(); err != nil {
			return errors.Wrap(err, "recompact invocation log")
		}
	}

	fmt.Println("clean complete")
	return nil
}
