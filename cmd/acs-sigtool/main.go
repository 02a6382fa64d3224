// acs-sigtool computes the canonical string-to-sign and Authorization
// header for a submission to Azure Communication Services' Email API,
// for offline troubleshooting of 401 responses from the bridge.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	docopt "github.com/docopt/docopt-go"

	"github.com/ArrEssJay/smtp-acs-bridge/internal/acs"
	"github.com/ArrEssJay/smtp-acs-bridge/internal/config"
)

const usage = `acs-sigtool: compute an ACS request signature for troubleshooting.

Usage:
  acs-sigtool sign --connection-string=<cs> --host=<host> [--path=<path>] [--body-file=<file>]
  acs-sigtool -h | --help

Options:
  --connection-string=<cs>  ACS connection string ("endpoint=...;accesskey=...").
  --host=<host>             Host header value to sign against.
  --path=<path>             Path and query to sign [default: /emails:send?api-version=2023-03-31].
  --body-file=<file>        File containing the request body; "-" or omitted reads stdin.
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "acs-sigtool")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	connStr, _ := opts.String("--connection-string")
	host, _ := opts.String("--host")
	path, _ := opts.String("--path")

	_, accessKey, err := config.ParseConnectionString(connStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parsing connection string: %v\n", err)
		os.Exit(1)
	}

	body, err := readBody(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading body: %v\n", err)
		os.Exit(1)
	}

	h := acs.Sign(path, host, body, accessKey, time.Now)

	fmt.Printf("x-ms-date: %s\n", h.Date)
	fmt.Printf("x-ms-content-sha256: %s\n", h.ContentSHA256)
	fmt.Printf("Authorization: %s\n", h.Authorization)
}

func readBody(opts docopt.Opts) ([]byte, error) {
	bodyFile, _ := opts.String("--body-file")
	if bodyFile == "" || bodyFile == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(bodyFile)
}
