// Command providercheck probes every configured VPS provider and
// reports vendor API health. Exits non-zero when any provider is in
// critical state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/woprhq/provisioner/internal/config"
	"github.com/woprhq/provisioner/internal/provider"
	"github.com/woprhq/provisioner/internal/provider/contabo"
	"github.com/woprhq/provisioner/internal/provider/digitalocean"
	"github.com/woprhq/provisioner/internal/provider/hetzner"
	"github.com/woprhq/provisioner/internal/provider/linode"
	"github.com/woprhq/provisioner/internal/provider/vultr"
)

const checkTimeout = 30 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "providercheck",
	Short: "Probe VPS provider APIs",
	Long: `Probes every provider that has credentials configured: lists
plans and regions, measures latency, and reports per-tier plan
availability. A provider whose API is unreachable is critical.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().Bool("check", false, "run a single check (default)")
	rootCmd.Flags().Bool("json", false, "emit the report as JSON")
	rootCmd.Flags().String("save", "", "write the report to this file")
	rootCmd.Flags().Bool("daemon", false, "re-check on an interval until interrupted")
	rootCmd.Flags().Duration("interval", 5*time.Minute, "check interval in daemon mode")
	rootCmd.Flags().Bool("install", false, "print a systemd unit for daemon mode")
	rootCmd.MarkFlagsMutuallyExclusive("check", "daemon")
}

// report is the full health snapshot.
type report struct {
	CheckedAt time.Time        `json:"checked_at"`
	Providers []providerReport `json:"providers"`
}

type providerReport struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    string         `json:"status"` // ok, degraded, critical
	LatencyMS int64          `json:"latency_ms"`
	Plans     int            `json:"plans"`
	Regions   int            `json:"regions"`
	TierPlans map[string]int `json:"tier_plans"`
	Error     string         `json:"error,omitempty"`
}

func (r report) critical() bool {
	for _, p := range r.Providers {
		if p.Status == "critical" {
			return true
		}
	}
	return false
}

func run(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	savePath, _ := cmd.Flags().GetString("save")
	single, _ := cmd.Flags().GetBool("check")
	daemon, _ := cmd.Flags().GetBool("daemon")
	interval, _ := cmd.Flags().GetDuration("interval")
	install, _ := cmd.Flags().GetBool("install")

	if install {
		fmt.Print(systemdUnit)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	registry := buildRegistry(cfg, logger)

	for {
		rep := check(cmd.Context(), registry)

		if err := emit(rep, asJSON, savePath); err != nil {
			return err
		}

		if single || !daemon {
			if rep.critical() {
				os.Exit(1)
			}
			return nil
		}

		select {
		case <-cmd.Context().Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// memCounter satisfies the registry's counter store; selection order
// is irrelevant for health checks.
type memCounter struct{ n uint64 }

func (m *memCounter) NextCounter(context.Context, string) (uint64, error) {
	return atomic.AddUint64(&m.n, 1), nil
}

func buildRegistry(cfg *config.Config, logger *slog.Logger) *provider.Registry {
	registry := provider.NewRegistry(&memCounter{}, logger)
	registry.Register("hetzner", 40, hetzner.New)
	registry.Register("digitalocean", 20, wrap(digitalocean.New))
	registry.Register("vultr", 20, wrap(vultr.New))
	registry.Register("linode", 10, wrap(linode.New))
	registry.Register("contabo", 10, wrap(contabo.New))

	creds := make(map[string]provider.Credentials)
	for id, pc := range cfg.Providers.ByID() {
		creds[id] = provider.Credentials{
			Token:        pc.Token,
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
		}
	}
	if err := registry.Configure(creds); err != nil {
		logger.Error("provider configuration failed", slog.String("error", err.Error()))
	}
	return registry
}

func check(ctx context.Context, registry *provider.Registry) report {
	rep := report{CheckedAt: time.Now().UTC()}

	for _, info := range registry.List() {
		p, ok := registry.Get(info.ID)
		if !ok {
			continue
		}
		rep.Providers = append(rep.Providers, probe(ctx, p))
	}
	return rep
}

func probe(ctx context.Context, p provider.Provider) providerReport {
	info := p.Info()
	pr := providerReport{
		ID:        info.ID,
		Name:      info.Name,
		Status:    "ok",
		TierPlans: make(map[string]int),
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	plans, err := p.ListPlans(ctx, nil)
	pr.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		pr.Status = "critical"
		pr.Error = err.Error()
		return pr
	}
	pr.Plans = len(plans)

	for _, tier := range []provider.Tier{provider.TierStarter, provider.TierStandard, provider.TierPro} {
		pr.TierPlans[fmt.Sprintf("tier%d", tier)] = len(provider.FilterPlans(plans, &tier))
	}
	// A vendor with no plan for some tier can still serve the others.
	for _, n := range pr.TierPlans {
		if n == 0 {
			pr.Status = "degraded"
		}
	}

	regions, err := p.ListRegions(ctx)
	if err != nil {
		pr.Status = "degraded"
		pr.Error = err.Error()
		return pr
	}
	pr.Regions = len(regions)

	return pr
}

func emit(rep report, asJSON bool, savePath string) error {
	var out []byte
	if asJSON {
		var err error
		out, err = json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	} else {
		fmt.Printf("checked at %s\n", rep.CheckedAt.Format(time.RFC3339))
		for _, p := range rep.Providers {
			fmt.Printf("  %-14s %-9s %4dms  plans=%d regions=%d", p.ID, p.Status, p.LatencyMS, p.Plans, p.Regions)
			if p.Error != "" {
				fmt.Printf("  error=%s", p.Error)
			}
			fmt.Println()
		}
	}

	if savePath != "" {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(savePath, data, 0o644); err != nil {
			return fmt.Errorf("save report: %w", err)
		}
	}
	return nil
}

func wrap[P provider.Provider](fn func(provider.Credentials) (P, error)) provider.Factory {
	return func(creds provider.Credentials, _ *slog.Logger) (provider.Provider, error) {
		return fn(creds)
	}
}

const systemdUnit = `[Unit]
Description=WOPR provider health checker
After=network-online.target

[Service]
ExecStart=/usr/local/bin/providercheck --daemon --save /var/lib/wopr/provider-health.json
Restart=on-failure
User=wopr

[Install]
WantedBy=multi-user.target
`
