// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command tally runs a local tally peer: it authors subjects, reviews and
// reactions, and assembles, publishes and validates their summaries.
//
// Usage:
//
//	tally keygen
//	tally subject create --type package --name left-pad
//	tally review create --subject <address> --rating quality=8 --message "solid"
//	tally summary publish <subject-address> --kind review
//	tally summary show <subject-address> --output json
package main

import (
	"os"
)

func main() {
	if err := execute(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}
