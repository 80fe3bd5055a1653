// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command arbor operates a replica of the replicated tree store.
//
// Usage:
//
//	arbor keygen                        # create the signing key
//	arbor vv                            # print the version vector
//	arbor log --since <vv>              # list integrated operations
//	arbor checkout --at author:seq,...  # print the tree at a version
//	arbor export --since <vv> -o ops.ndjson
//	arbor import ops.ndjson
//	arbor serve                         # HTTP sync endpoint
//	arbor sync http://peer:7420         # reconcile with peers
//
// Configuration is read from --config (YAML or JSON) and ARBOR_*
// environment variables.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
