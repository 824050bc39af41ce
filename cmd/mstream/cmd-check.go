package main

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/mstream-dev/mstream/go/config"
)

var green = color.New(color.FgGreen).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()

type cmdCheck struct {
	Config string `long:"config" env:"MSTREAM_CONFIG" default:"mstream-config.toml" description:"Path of the configuration file"`
}

func (cmd cmdCheck) Execute(_ []string) error {
	var cfg, err = config.Parse(cmd.Config)
	if err != nil {
		fmt.Println(red("✗"), "config:", err)
		return fmt.Errorf("configuration does not parse")
	}
	fmt.Println(green("✓"), "config parses:", cmd.Config)

	var failures int
	var verdict = func(label string, err error) {
		if err != nil {
			failures++
			fmt.Println(red("✗"), label+":", err)
			return
		}
		fmt.Println(green("✓"), label)
	}

	for _, svc := range cfg.Services {
		verdict(fmt.Sprintf("service %q (%s)", svc.Name, svc.Provider), svc.Validate())
	}
	for _, cn := range cfg.Connectors {
		verdict(fmt.Sprintf("connector %q", cn.Name), cfg.ValidateConnector(cn))
	}
	verdict("system", cfg.ValidateSystem())

	// The section checks cannot see cross-section problems like duplicate
	// names; a whole-file pass catches those.
	if failures == 0 {
		if err := cfg.Validate(); err != nil {
			verdict("declarations", err)
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d checks failed", failures)
	}
	return nil
}
