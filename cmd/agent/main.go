// Package main is the entry point for the canary pilot agent.
// The agent steers ingress canary weights with a learned rollout policy.
package main

import (
	"os"

	"github.com/softcane/canary-pilot/cmd/agent/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
