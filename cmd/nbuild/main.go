// Command nbuild is the CLI surface of spec.md §6.6: it compiles a manifest,
// reaps stale outputs, and drives the scheduler to bring the requested
// targets up to date.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
