package main

import (
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexuskernel/internal/config"
)

// registerCommonFlags adds the flag set shared by every subcommand that
// loads a config + organism document: --config selects the layered config
// file (§4.14); the rest override individual config fields when set,
// taking precedence over env vars and the config file (see loadConfig).
func registerCommonFlags(cmd *cobra.Command, configPath, organismPath, dataDir, profile, model *string) {
	cmd.Flags().StringVar(configPath, "config", "", "path to the nexus config YAML file (optional)")
	cmd.Flags().StringVar(organismPath, "organism", "", "path to the organism YAML document")
	cmd.Flags().StringVar(dataDir, "data-dir", "", "kernel WAL/state directory")
	cmd.Flags().StringVar(profile, "profile", "", "security profile the injected message carries")
	cmd.Flags().StringVar(model, "model", "", "model alias passed to the LLM pool")
}

// commonFlagOverrides builds a config.FlagOverrides from the flags
// registerCommonFlags declared, only carrying through ones the user
// actually set on the command line.
func commonFlagOverrides(cmd *cobra.Command, organismPath, dataDir, profile, model *string) config.FlagOverrides {
	var o config.FlagOverrides
	if cmd.Flags().Changed("organism") {
		o.OrganismPath = organismPath
	}
	if cmd.Flags().Changed("data-dir") {
		o.DataDir = dataDir
	}
	if cmd.Flags().Changed("profile") {
		o.Profile = profile
	}
	if cmd.Flags().Changed("model") {
		o.Model = model
	}
	return o
}
