// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command glassscore runs the GlassScore evaluation service.
//
// # Usage
//
//	# Serve with defaults and GLASSSCORE_* environment overrides
//	glassscore serve
//
//	# Serve from a config file on another port
//	glassscore serve --config glassscore.yaml --port 9000
//
//	# Print the effective configuration with secrets masked
//	glassscore config --config glassscore.yaml
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
