// Command foreman drives multi-step development work against a task
// graph: workspaces, projects, and tasks live in a durable store, and
// workflow steps are executed by external agent sessions with automatic
// recovery and a parallel review gate.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
