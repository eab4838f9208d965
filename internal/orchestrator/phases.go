package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go"

	"github.com/woprhq/provisioner/internal/beacon"
	"github.com/woprhq/provisioner/internal/docs"
	"github.com/woprhq/provisioner/internal/mail"
	"github.com/woprhq/provisioner/internal/provider"
	"github.com/woprhq/provisioner/internal/store"
)

// instanceLabels are the tenant labels every provisioned instance
// carries, queryable via list_instances.
func instanceLabels(job *store.Job) map[string]string {
	return map[string]string{
		"wopr-job":      job.ID,
		"wopr-customer": job.CustomerID,
	}
}

func (o *Orchestrator) providerFor(job *store.Job) (provider.Provider, error) {
	p, ok := o.registry.Get(job.ProviderID)
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", job.ProviderID)
	}
	return p, nil
}

func (o *Orchestrator) fqdn(job *store.Job) string {
	return job.Subdomain + "." + o.cfg.BaseDomain
}

func (o *Orchestrator) handlePaymentReceived(ctx context.Context, job *store.Job) error {
	err := o.mailer.Send(ctx, mail.KindProvisioningStarted, []string{job.CustomerEmail}, mail.TemplateData{
		Name:   job.CustomerName,
		Bundle: job.Bundle,
	})
	if err != nil {
		o.logger.Warn("provisioning-started email failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}
	return nil
}

func (o *Orchestrator) handleProvisionVPS(ctx context.Context, job *store.Job) error {
	p, err := o.providerFor(job)
	if err != nil {
		return err
	}

	// A retried job may already own an instance; reuse it instead of
	// provisioning a second one.
	if job.InstanceID != "" {
		if inst, err := p.GetInstance(ctx, job.InstanceID); err == nil && inst != nil {
			o.logger.Info("reusing existing instance",
				slog.String("job_id", job.ID),
				slog.String("instance_id", job.InstanceID))
			return nil
		}
	}

	planID, err := planFor(job.ProviderID, job.Tier)
	if err != nil {
		return err
	}

	suffix, err := randomHex(4)
	if err != nil {
		return fmt.Errorf("generate instance suffix: %w", err)
	}
	name := fmt.Sprintf("wopr-%s-%s", job.Bundle, suffix)
	subdomain := job.Subdomain
	if subdomain == "" {
		subdomain = fmt.Sprintf("%s-%s", job.Bundle, suffix)
	}

	region := job.RegionID
	if region == "" {
		region = defaultRegionFor(job.ProviderID)
	}

	userData, err := generateCloudInit(cloudInitParams{
		JobID:        job.ID,
		CustomerID:   job.CustomerID,
		Bundle:       job.Bundle,
		Tier:         int(job.Tier),
		Domain:       subdomain + "." + o.cfg.BaseDomain,
		CustomDomain: job.CustomDomain,
		InstallerURL: o.cfg.InstallerURL,
	})
	if err != nil {
		return err
	}

	inst, err := p.Provision(ctx, provider.ProvisionConfig{
		Name:      name,
		RegionID:  region,
		PlanID:    planID,
		SSHKeyIDs: o.cfg.SSHKeyIDs[job.ProviderID],
		Image:     o.cfg.Image,
		UserData:  userData,
		Labels:    instanceLabels(job),
	})
	if err != nil {
		return fmt.Errorf("provision on %s: %w", job.ProviderID, err)
	}

	_, err = o.store.Update(ctx, job.ID, store.Update{
		InstanceID: &inst.ID,
		InstanceIP: &inst.IPv4,
		Subdomain:  &subdomain,
		RegionID:   &region,
	})
	if err != nil {
		return fmt.Errorf("persist instance: %w", err)
	}

	o.logger.Info("instance provisioned",
		slog.String("job_id", job.ID),
		slog.String("provider", job.ProviderID),
		slog.String("instance_id", inst.ID),
		slog.String("plan", planID))
	return nil
}

func (o *Orchestrator) handleWaitForVPS(ctx context.Context, job *store.Job) error {
	p, err := o.providerFor(job)
	if err != nil {
		return err
	}

	inst, err := provider.WaitForReady(ctx, p, job.InstanceID, o.cfg.VPSReadyTimeout, o.cfg.VPSPollInterval)
	if err != nil {
		if provider.IsKind(err, provider.ErrorTransient) {
			return errors.New("Timeout waiting for VPS")
		}
		return fmt.Errorf("wait for instance %s: %w", job.InstanceID, err)
	}

	if _, err := o.store.Update(ctx, job.ID, store.Update{InstanceIP: &inst.IPv4}); err != nil {
		return fmt.Errorf("persist instance ip: %w", err)
	}

	o.logger.Info("instance ready",
		slog.String("job_id", job.ID),
		slog.String("ip", inst.IPv4))
	return nil
}

// handleConfigureDNS creates the beacon's A record and wildcard. DNS
// failure is never fatal: the instance stays reachable by IP.
func (o *Orchestrator) handleConfigureDNS(ctx context.Context, job *store.Job) error {
	if o.dns == nil {
		o.logger.Info("dns unconfigured, skipping", slog.String("job_id", job.ID))
		return nil
	}

	// Snapshot passed in predates the IP written by the previous phase.
	job, err := o.store.Get(ctx, job.ID)
	if err != nil {
		return err
	}

	fqdn := o.fqdn(job)
	records := make(map[string]string, 2)

	for _, name := range []string{fqdn, "*." + fqdn} {
		name := name
		var recordID string
		err := retry.Do(
			func() error {
				var err error
				recordID, err = o.dns.CreateARecord(ctx, name, job.InstanceIP, false, 0)
				return err
			},
			retry.Attempts(3),
			retry.Delay(2*time.Second),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			o.logger.Warn("dns record creation failed, proceeding without",
				slog.String("job_id", job.ID),
				slog.String("name", name),
				slog.String("error", err.Error()))
			continue
		}
		records[name] = recordID
	}

	if len(records) > 0 {
		if _, err := o.store.Update(ctx, job.ID, store.Update{DNSRecordIDs: records}); err != nil {
			return fmt.Errorf("persist dns records: %w", err)
		}
	}
	return nil
}

// handleDeployWopr waits for the beacon stack on the instance to
// answer its health endpoint. Timing out is non-fatal: cloud-init may
// still be working and the welcome email points at the domain anyway.
func (o *Orchestrator) handleDeployWopr(ctx context.Context, job *store.Job) error {
	job, err := o.store.Get(ctx, job.ID)
	if err != nil {
		return err
	}

	urls := []string{fmt.Sprintf("http://%s:8080/health", job.InstanceIP)}
	if len(job.DNSRecordIDs) > 0 {
		urls = append([]string{fmt.Sprintf("https://%s/health", o.fqdn(job))}, urls...)
	}

	deadline := time.Now().Add(o.cfg.WOPRReadyTimeout)
	ticker := time.NewTicker(o.cfg.WOPRPollInterval)
	defer ticker.Stop()

	for {
		for _, url := range urls {
			if o.probe(ctx, url) {
				o.logger.Info("beacon healthy",
					slog.String("job_id", job.ID),
					slog.String("url", url))
				return nil
			}
		}

		if time.Now().After(deadline) {
			o.logger.Warn("beacon health check timed out, proceeding",
				slog.String("job_id", job.ID))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (o *Orchestrator) handleGenerateDocs(ctx context.Context, job *store.Job, state *runState) error {
	job, err := o.store.Get(ctx, job.ID)
	if err != nil {
		return err
	}

	var result *docs.Result
	err = retry.Do(
		func() error {
			var err error
			result, err = o.docs.Generate(ctx, docs.Request{
				CustomerID:   job.CustomerID,
				Email:        job.CustomerEmail,
				Bundle:       job.Bundle,
				InstanceIP:   job.InstanceIP,
				Subdomain:    job.Subdomain,
				BaseDomain:   o.cfg.BaseDomain,
				CustomDomain: job.CustomDomain,
			})
			return err
		},
		retry.Attempts(2),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		o.logger.Warn("document generation failed, proceeding without",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
		return nil
	}

	state.welcomePDF = result.WelcomePDFBytes
	state.docFiles = result.Files

	if path, ok := result.Files["welcome_card"]; ok {
		if _, err := o.store.Update(ctx, job.ID, store.Update{DocsURL: &path}); err != nil {
			return fmt.Errorf("persist docs path: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) handleSendWelcome(ctx context.Context, job *store.Job, state *runState) error {
	job, err := o.store.Get(ctx, job.ID)
	if err != nil {
		return err
	}

	data := mail.TemplateData{
		Name:         job.CustomerName,
		Bundle:       job.Bundle,
		BeaconURL:    "https://" + o.fqdn(job),
		DashboardURL: o.cfg.DashboardURL,
		CustomDomain: job.CustomDomain,
	}

	var attachments []mail.Attachment
	if len(state.welcomePDF) > 0 {
		attachments = append(attachments, mail.Attachment{
			Filename: "welcome.pdf",
			Content:  state.welcomePDF,
		})
	}

	if err := o.mailer.Send(ctx, mail.KindWelcome, []string{job.CustomerEmail}, data, attachments...); err != nil {
		o.logger.Warn("welcome email failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}
	return nil
}

// handleCompleted records the beacon so the dunning engine can find it
// by subscription later.
func (o *Orchestrator) handleCompleted(ctx context.Context, job *store.Job) error {
	job, err := o.store.Get(ctx, job.ID)
	if err != nil {
		return err
	}

	b := &beacon.Beacon{
		Subdomain:      job.Subdomain,
		SubscriptionID: job.SubscriptionID,
		CustomerEmail:  job.CustomerEmail,
		ProviderID:     job.ProviderID,
		InstanceID:     job.InstanceID,
		Status:         beacon.StatusActive,
		DNSRecordIDs:   job.DNSRecordIDs,
		Tier:           int(job.Tier),
		Bundle:         job.Bundle,
	}
	if err := o.beacons.Create(ctx, b); err != nil {
		o.logger.Error("beacon record write failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}

	jobsCompleted.WithLabelValues("completed", job.ProviderID).Inc()
	o.logger.Info("job completed",
		slog.String("job_id", job.ID),
		slog.String("subdomain", job.Subdomain),
		slog.String("instance_id", job.InstanceID))
	return nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
