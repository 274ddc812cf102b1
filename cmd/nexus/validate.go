package main

import (
	"fmt"

	"github.com/haasonsaas/nexuskernel/internal/organism"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var (
		configPath   string
		organismPath string
		dataDir      string
		profile      string
		model        string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate an organism document without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, commonFlagOverrides(cmd, &organismPath, &dataDir, &profile, &model))
			if err != nil {
				return err
			}
			doc, err := loadOrganism(cfg.Organism.Path)
			if err != nil {
				return err
			}
			if _, err := organism.NewSecurityResolver(doc.org); err != nil {
				return fmt.Errorf("organism: build security resolver: %w", err)
			}
			fmt.Printf("organism %q is valid\n", doc.org.Name)
			return nil
		},
	}

	registerCommonFlags(cmd, &configPath, &organismPath, &dataDir, &profile, &model)
	return cmd
}
