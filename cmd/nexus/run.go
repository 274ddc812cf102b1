package main

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexuskernel/internal/kernel"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		configPath   string
		organismPath string
		dataDir      string
		profile      string
		model        string
		useLibrarian bool
	)

	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Inject one task into the organism's root agent and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := args[0]

			cfg, err := loadConfig(configPath, commonFlagOverrides(cmd, &organismPath, &dataDir, &profile, &model))
			if err != nil {
				return err
			}
			doc, err := loadOrganism(cfg.Organism.Path)
			if err != nil {
				return err
			}
			pool, err := buildLLMPool(cfg)
			if err != nil {
				return err
			}
			auditLogger, err := buildAuditLogger(cfg)
			if err != nil {
				return err
			}

			mirror, err := buildDurableMirror(cfg)
			if err != nil {
				return err
			}

			metrics := buildMetrics()
			events, _ := buildEventRecorder()

			kopts := []kernel.Option{kernel.WithLogger(newLogger("kernel")), kernel.WithMetrics(metrics), kernel.WithEventRecorder(events)}
			if auditLogger != nil {
				kopts = append(kopts, kernel.WithAuditLogger(auditLogger))
			}
			if mirror != nil {
				kopts = append(kopts, kernel.WithDurableMirror(mirror))
			}
			k, err := kernel.Open(cfg.Kernel.DataDir, kopts...)
			if err != nil {
				return fmt.Errorf("kernel: open %s: %w", cfg.Kernel.DataDir, err)
			}
			defer k.Close()
			if closer, ok := mirror.(interface{ Close() error }); ok {
				defer closer.Close()
			}

			systemPrompt := doc.prompts["system"]
			p, err := buildPipeline(k, doc, pool, systemPrompt, cfg.LLM.DefaultModel, useLibrarian, metrics)
			if err != nil {
				return fmt.Errorf("pipeline: build: %w", err)
			}

			sub := p.Subscribe()
			go logEvents(sub, newLogger("pipeline"))
			defer sub.Unsubscribe()

			rootID, err := k.InitializeRoot(cmd.Context(), doc.org.Name, cfg.Organism.Profile)
			if err != nil {
				return fmt.Errorf("kernel: initialize root: %w", err)
			}

			reply, err := p.Inject(context.Background(), cfg.Organism.Profile, "operator", rootListenerName, rootID, renderAgentTaskXML(task))
			if err != nil {
				return fmt.Errorf("pipeline: inject: %w", err)
			}
			fmt.Println(extractReplyText(reply))
			return nil
		},
	}

	registerCommonFlags(cmd, &configPath, &organismPath, &dataDir, &profile, &model)
	cmd.Flags().BoolVar(&useLibrarian, "librarian", false, "curate system context through the Librarian before each turn")
	return cmd
}

func renderAgentTaskXML(task string) string {
	var buf strings.Builder
	_ = xml.EscapeText(&buf, []byte(task))
	return fmt.Sprintf("<AgentTask><task>%s</task></AgentTask>", buf.String())
}

type agentResponseXML struct {
	Result string `xml:"result"`
	Error  string `xml:"error"`
}

// extractReplyText unwraps an <AgentResponse> envelope for display; any
// other shape (or unparseable XML) is printed as-is.
func extractReplyText(replyXML string) string {
	var decoded agentResponseXML
	if err := xml.Unmarshal([]byte(replyXML), &decoded); err != nil {
		return replyXML
	}
	if decoded.Error != "" {
		return "Error: " + decoded.Error
	}
	if decoded.Result != "" {
		return decoded.Result
	}
	return replyXML
}
