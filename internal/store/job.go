// Package store is the durable record of provisioning jobs: a cached
// front over a Postgres or file backend, selected at startup. Callers
// never branch on which backend is active.
package store

import (
	"time"

	"github.com/woprhq/provisioner/internal/provider"
)

// Phase is a job's position in the provisioning pipeline.
type Phase string

const (
	PhasePending         Phase = "PENDING"
	PhasePaymentReceived Phase = "PAYMENT_RECEIVED"
	PhaseProvisioningVPS Phase = "PROVISIONING_VPS"
	PhaseWaitingForVPS   Phase = "WAITING_FOR_VPS"
	PhaseConfiguringDNS  Phase = "CONFIGURING_DNS"
	PhaseDeployingWopr   Phase = "DEPLOYING_WOPR"
	PhaseGeneratingDocs  Phase = "GENERATING_DOCS"
	PhaseSendingWelcome  Phase = "SENDING_WELCOME"
	PhaseCompleted       Phase = "COMPLETED"
	PhaseFailed          Phase = "FAILED"
)

// PhaseOrder is the canonical happy path. FAILED is not part of the
// path; it can be appended after any phase.
var PhaseOrder = []Phase{
	PhasePending,
	PhasePaymentReceived,
	PhaseProvisioningVPS,
	PhaseWaitingForVPS,
	PhaseConfiguringDNS,
	PhaseDeployingWopr,
	PhaseGeneratingDocs,
	PhaseSendingWelcome,
	PhaseCompleted,
}

// Index returns the phase's position on the happy path, or -1 for
// FAILED and unknown phases.
func (p Phase) Index() int {
	for i, ph := range PhaseOrder {
		if ph == p {
			return i
		}
	}
	return -1
}

// Terminal reports whether no further transitions happen from p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p == PhaseFailed || p.Index() >= 0
}

// Job is the unit of provisioning work. The store owns it exclusively;
// everything else works on snapshots.
type Job struct {
	ID string `json:"id"`

	// Parameters, fixed at creation.
	SessionID      string        `json:"session_id,omitempty"`
	CustomerID     string        `json:"customer_id,omitempty"`
	CustomerEmail  string        `json:"customer_email"`
	CustomerName   string        `json:"customer_name,omitempty"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
	Bundle         string        `json:"bundle"`
	Tier           provider.Tier `json:"tier"`
	ProviderID     string        `json:"provider_id"`
	RegionID       string        `json:"region_id"`
	CustomDomain   string        `json:"custom_domain,omitempty"`

	// State.
	Phase        Phase  `json:"phase"`
	Message      string `json:"message,omitempty"`
	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Outputs, filled progressively as phases complete.
	InstanceID   string            `json:"instance_id,omitempty"`
	InstanceIP   string            `json:"instance_ip,omitempty"`
	Subdomain    string            `json:"subdomain,omitempty"`
	DNSRecordIDs map[string]string `json:"dns_record_ids,omitempty"`
	DocsURL      string            `json:"docs_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Update is a partial job mutation; nil fields are left untouched.
// Every update bumps updated_at.
type Update struct {
	Phase        *Phase
	Message      *string
	RetryCount   *int
	ErrorMessage *string
	ProviderID   *string
	RegionID     *string
	InstanceID   *string
	InstanceIP   *string
	Subdomain    *string
	DNSRecordIDs map[string]string
	DocsURL      *string
}

// apply mutates a job copy in place.
func (u Update) apply(j *Job) {
	if u.Phase != nil {
		j.Phase = *u.Phase
	}
	if u.Message != nil {
		j.Message = *u.Message
	}
	if u.RetryCount != nil {
		j.RetryCount = *u.RetryCount
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = *u.ErrorMessage
	}
	if u.ProviderID != nil {
		j.ProviderID = *u.ProviderID
	}
	if u.RegionID != nil {
		j.RegionID = *u.RegionID
	}
	if u.InstanceID != nil {
		j.InstanceID = *u.InstanceID
	}
	if u.InstanceIP != nil {
		j.InstanceIP = *u.InstanceIP
	}
	if u.Subdomain != nil {
		j.Subdomain = *u.Subdomain
	}
	if u.DNSRecordIDs != nil {
		j.DNSRecordIDs = u.DNSRecordIDs
	}
	if u.DocsURL != nil {
		j.DocsURL = *u.DocsURL
	}
	j.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	cp := *j
	if j.DNSRecordIDs != nil {
		cp.DNSRecordIDs = make(map[string]string, len(j.DNSRecordIDs))
		for k, v := range j.DNSRecordIDs {
			cp.DNSRecordIDs[k] = v
		}
	}
	return &cp
}
