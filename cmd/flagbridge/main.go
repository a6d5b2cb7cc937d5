// Package main is the entry point for flagbridge.
//
// flagbridge owns one feature flag client and exposes it to a host process
// over a local call channel: a unix socket carrying CBOR envelopes, or a
// gRPC stream of structpb envelopes. The serve command runs the bridge; call
// and hash-token are operator helpers.
package main

import (
	"log/slog"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("flagbridge failed", "error", err)
		os.Exit(1)
	}
}
