package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/nexuskernel/internal/organism"
	"github.com/spf13/cobra"
)

func newPortsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Inspect and generate firewall rules from an organism's port declarations",
	}
	cmd.AddCommand(newPortsGenerateCmd())
	return cmd
}

func newPortsGenerateCmd() *cobra.Command {
	var (
		configPath   string
		organismPath string
		dataDir      string
		profile      string
		model        string
		outputPath   string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate iptables rule text for every port declared in the organism (§4.12)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, commonFlagOverrides(cmd, &organismPath, &dataDir, &profile, &model))
			if err != nil {
				return err
			}
			doc, err := loadOrganism(cfg.Organism.Path)
			if err != nil {
				return err
			}
			if outputPath == "" {
				outputPath = cfg.Ports.OutputPath
			}

			rules, err := organism.NewPortManager().GenerateRules(doc.org)
			if err != nil {
				return fmt.Errorf("ports: generate rules: %w", err)
			}
			text := strings.Join(rules, "\n") + "\n"

			if outputPath == "-" || outputPath == "" {
				fmt.Print(text)
				return nil
			}
			if err := os.WriteFile(outputPath, []byte(text), 0o644); err != nil {
				return fmt.Errorf("ports: write %s: %w", outputPath, err)
			}
			fmt.Printf("wrote %d rules to %s\n", len(rules), outputPath)
			return nil
		},
	}

	registerCommonFlags(cmd, &configPath, &organismPath, &dataDir, &profile, &model)
	cmd.Flags().StringVar(&outputPath, "output", "", "path to write generated rules to (\"-\" for stdout; defaults to ports.output_path)")
	return cmd
}
