package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nexuskernel/internal/kernel"
	"github.com/haasonsaas/nexuskernel/internal/maintenance"
	"github.com/haasonsaas/nexuskernel/internal/observability"
	"github.com/haasonsaas/nexuskernel/internal/organism"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		configPath   string
		organismPath string
		dataDir      string
		profile      string
		model        string
		useLibrarian bool
		watch        bool
		metricsAddr  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the organism as a long-lived process, one task per stdin line",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger("serve")

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
			events, eventStore := buildEventRecorder()

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

			p, err := buildPipeline(k, doc, pool, doc.prompts["system"], cfg.LLM.DefaultModel, useLibrarian, metrics)
			if err != nil {
				return fmt.Errorf("pipeline: build: %w", err)
			}
			sub := p.Subscribe()
			go logEvents(sub, newLogger("pipeline"))
			defer sub.Unsubscribe()

			sweeper := maintenance.NewJournalSweeper(k.JournalStore(), newLogger("cron")).WithMetrics(metrics)
			if err := sweeper.Start(cfg.Cron.SweepSchedule); err != nil {
				return fmt.Errorf("maintenance: start journal sweeper: %w", err)
			}
			defer sweeper.Stop()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
					evts, err := eventStore.GetByType(observability.EventTypeMessage, 500)
					if err != nil {
						http.Error(w, err.Error(), http.StatusInternalServerError)
						return
					}
					fmt.Fprint(w, observability.FormatTimeline(observability.BuildTimeline(evts)))
				})
				metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Warn("metrics server stopped", "error", err)
					}
				}()
				defer metricsSrv.Close()
			}

			if watch {
				w, err := organism.Watch(cfg.Organism.Path, func(newOrg *organism.Organism, prompts map[string]string, err error) {
					if err != nil {
						log.Warn("organism reload failed", "error", err)
						return
					}
					log.Info("organism config changed on disk; restart nexus serve to apply it", "name", newOrg.Name)
				})
				if err != nil {
					return fmt.Errorf("organism: watch: %w", err)
				}
				defer w.Close()
			}

			log.Info("serving organism", "name", doc.org.Name, "profile", cfg.Organism.Profile)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				task := strings.TrimSpace(scanner.Text())
				if task == "" {
					continue
				}
				rootID, err := k.InitializeRoot(cmd.Context(), doc.org.Name, cfg.Organism.Profile)
				if err != nil {
					log.Error("initialize root failed", "error", err)
					continue
				}
				reply, err := p.Inject(context.Background(), cfg.Organism.Profile, "operator", rootListenerName, rootID, renderAgentTaskXML(task))
				if err != nil {
					log.Error("inject failed", "error", err)
					continue
				}
				fmt.Println(extractReplyText(reply))
			}
			return scanner.Err()
		},
	}

	registerCommonFlags(cmd, &configPath, &organismPath, &dataDir, &profile, &model)
	cmd.Flags().BoolVar(&useLibrarian, "librarian", false, "curate system context through the Librarian before each turn")
	cmd.Flags().BoolVar(&watch, "watch", false, "watch the organism file for changes and log when a reload is needed")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (disabled if empty)")
	return cmd
}
