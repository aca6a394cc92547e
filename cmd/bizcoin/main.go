// Command bizcoin runs the BizCoin classroom token ledger.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/bizcoin/bizcoin/internal/cli"
)

func main() {
	// Optional .env; real environment variables take precedence.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
