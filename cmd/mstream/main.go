package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// exitError carries a process exit code out through go-flags. Plain
// errors exit 1; runtime failures after a clean bootstrap exit 2.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "serve", "Run the mstream service", `
Load the configuration file, reconcile persisted jobs against its
connectors, and serve until SIGINT or SIGTERM. The management API
listens on [system.api].listen when set.
`, &cmdServe{})

	addCmd(parser, "check", "Validate a configuration file", `
Parse and validate a configuration file, printing a verdict per
service, connector, and system section. Exits non-zero when any
check fails.
`, &cmdCheck{})

	var _, err = parser.Parse()
	if err == nil {
		return
	}
	if flags.WroteHelp(err) {
		fmt.Println(err)
		return
	}

	var exit *exitError
	if errors.As(err, &exit) {
		log.WithField("err", exit.err).Error("mstream failed")
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func addCmd(parser *flags.Parser, name, short, long string, iface interface{}) {
	if _, err := parser.AddCommand(name, short, long, iface); err != nil {
		panic(err)
	}
}
