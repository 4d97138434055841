// Command gangaguardctl performs operator tasks against a GangaGuard
// database and configuration: wiping data, auditing the reward ledger,
// minting development tokens and hashing the detector API key.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
