package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/settld-labs/settld/pkg/crypto"
)

// runKeygen prints a fresh Ed25519 keypair. The private PEM goes in
// SETTLD_SIGNING_KEY_PEM; the public PEM and key id go in the trust roots.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 2
	}
	fmt.Fprintf(stdout, "keyId: %s\n\n%s\n%s", pair.KeyID, pair.PublicPEM, pair.PrivatePEM)
	return 0
}
