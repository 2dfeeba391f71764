// Command clawd-pay buys a domain from a clawd server, answering the payment
// challenge with an EIP-3009 authorization signed by PAYER_PRIVATE_KEY.
//
//	clawd-pay -server https://api.clawd.dev -years 2 example.dev
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
	signers "github.com/noahlevine1717/clawd-domain-marketplace/signers/evm"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "clawd-pay: load .env:", err)
		os.Exit(1)
	}

	server := flag.String("server", envOr("CLAWD_SERVER_URL", "http://localhost:8402"), "marketplace base URL")
	years := flag.Int("years", 1, "registration period in years")
	maxPrice := flag.String("max", "", "refuse to pay more than this many USDC")
	timeout := flag.Duration("timeout", 3*time.Minute, "overall deadline")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <domain>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	signer, err := signers.NewClientSignerFromPrivateKey(os.Getenv("PAYER_PRIVATE_KEY"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "clawd-pay: PAYER_PRIVATE_KEY:", err)
		os.Exit(1)
	}

	b := &buyer{baseURL: *server, signer: signer, out: os.Stdout}
	if *maxPrice != "" {
		if b.maxAmount, err = evm.ParseAmount(*maxPrice, evm.DefaultDecimals); err != nil {
			fmt.Fprintln(os.Stderr, "clawd-pay: -max:", err)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := b.buy(ctx, flag.Arg(0), *years); err != nil {
		fmt.Fprintln(os.Stderr, "clawd-pay:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
