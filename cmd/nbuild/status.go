package main

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nbuild/nbuild/internal/manifest"
)

// consoleStatus implements buildsched.StatusSink (spec.md §6.5), grounded
// on original_source's status.go StatusPrinter: a one-line "[started/total]
// description" progress indicator, with failures echoed with their captured
// output.
type consoleStatus struct {
	total   int32
	started int32
	done    int32

	mu sync.Mutex
}

func newConsoleStatus(total int) *consoleStatus {
	return &consoleStatus{total: int32(total)}
}

func (c *consoleStatus) StepStarted(step *manifest.Step) {
	n := atomic.AddInt32(&c.started, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Printf("[%d/%d] %s\n", n, c.total, describe(step))
}

func (c *consoleStatus) StepFinished(step *manifest.Step, success bool, output []byte) {
	atomic.AddInt32(&c.done, 1)
	if success {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Printf("FAILED: %s\n", step.Command)
	if len(output) > 0 {
		fmt.Println(string(output))
	}
}

func describe(step *manifest.Step) string {
	if step.Description != "" {
		return step.Description
	}
	return step.Command
}
