// consentgate checks every use of community-governed data against a consent
// ledger before it happens.
package main

import "github.com/ppiankov/consentgate/internal/cli"

func main() {
	cli.Execute()
}
