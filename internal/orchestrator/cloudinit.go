package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// bootstrapInfo is written to /etc/wopr/bootstrap.json on the instance
// and read by the installer.
type bootstrapInfo struct {
	JobID         string `json:"job_id"`
	CustomerID    string `json:"customer_id"`
	Bundle        string `json:"bundle"`
	StorageTier   int    `json:"storage_tier"`
	Domain        string `json:"domain"`
	CustomDomain  string `json:"custom_domain,omitempty"`
	ProvisionedAt string `json:"provisioned_at"`
}

type cloudInitFile struct {
	Path        string `yaml:"path"`
	Permissions string `yaml:"permissions"`
	Content     string `yaml:"content"`
}

type cloudInitDoc struct {
	WriteFiles []cloudInitFile `yaml:"write_files"`
	RunCmd     []string        `yaml:"runcmd"`
}

// cloudInitParams collects everything the user-data document embeds.
type cloudInitParams struct {
	JobID        string
	CustomerID   string
	Bundle       string
	Tier         int
	Domain       string
	CustomDomain string
	InstallerURL string
}

// firewall ruleset loaded by runcmd: ssh, http, https and the beacon
// admin port stay open, everything else is dropped.
var firewallRules = []string{
	"iptables -P INPUT ACCEPT",
	"iptables -F INPUT",
	"iptables -A INPUT -i lo -j ACCEPT",
	"iptables -A INPUT -m state --state ESTABLISHED,RELATED -j ACCEPT",
	"iptables -A INPUT -p icmp -j ACCEPT",
	"iptables -A INPUT -p tcp --dport 22 -j ACCEPT",
	"iptables -A INPUT -p tcp --dport 80 -j ACCEPT",
	"iptables -A INPUT -p tcp --dport 443 -j ACCEPT",
	"iptables -A INPUT -p tcp --dport 8443 -j ACCEPT",
	"iptables -P INPUT DROP",
	"ip6tables -P INPUT ACCEPT",
	"ip6tables -F INPUT",
	"ip6tables -A INPUT -i lo -j ACCEPT",
	"ip6tables -A INPUT -m state --state ESTABLISHED,RELATED -j ACCEPT",
	"ip6tables -A INPUT -p icmpv6 -j ACCEPT",
	"ip6tables -A INPUT -p tcp --dport 22 -j ACCEPT",
	"ip6tables -A INPUT -p tcp --dport 80 -j ACCEPT",
	"ip6tables -A INPUT -p tcp --dport 443 -j ACCEPT",
	"ip6tables -A INPUT -p tcp --dport 8443 -j ACCEPT",
	"ip6tables -P INPUT DROP",
	"mkdir -p /etc/iptables",
	"iptables-save > /etc/iptables/rules.v4",
	"ip6tables-save > /etc/iptables/rules.v6",
}

// generateCloudInit renders the #cloud-config user-data document.
func generateCloudInit(p cloudInitParams) (string, error) {
	bootstrap, err := json.MarshalIndent(bootstrapInfo{
		JobID:         p.JobID,
		CustomerID:    p.CustomerID,
		Bundle:        p.Bundle,
		StorageTier:   p.Tier,
		Domain:        p.Domain,
		CustomDomain:  p.CustomDomain,
		ProvisionedAt: time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode bootstrap info: %w", err)
	}

	installScript := fmt.Sprintf(`#!/bin/bash
set -euo pipefail
curl -fsSL %s -o /tmp/wopr-bootstrap.sh
chmod +x /tmp/wopr-bootstrap.sh
/tmp/wopr-bootstrap.sh --bundle %q --domain %q
`, p.InstallerURL, p.Bundle, p.Domain)

	doc := cloudInitDoc{
		WriteFiles: []cloudInitFile{
			{
				Path:        "/etc/wopr/bootstrap.json",
				Permissions: "0600",
				Content:     string(bootstrap) + "\n",
			},
			{
				Path:        "/opt/wopr/install.sh",
				Permissions: "0755",
				Content:     installScript,
			},
		},
		RunCmd: append(append([]string{
			"mkdir -p /var/log/wopr",
		}, firewallRules...),
			"/opt/wopr/install.sh >> /var/log/wopr/install.log 2>&1",
		),
	}

	body, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode cloud-init: %w", err)
	}
	return "#cloud-config\n" + string(body), nil
}
