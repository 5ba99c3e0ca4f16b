package admission

import (
	"fmt"
	"os"

	"github.com/cuemby/minoots/pkg/storage"
	"github.com/cuemby/minoots/pkg/types"
	"gopkg.in/yaml.v3"
)

// PolicySeedFile is the on-disk shape of a tenant policy seed document,
// applied out-of-band by an operator before a tenant's first Schedule
// call — policies are never created through the admission gate itself.
type PolicySeedFile struct {
	APIVersion string             `yaml:"apiVersion"`
	Kind       string             `yaml:"kind"`
	Tenants    []PolicySeedTenant `yaml:"tenants"`
}

// PolicySeedTenant is a single tenant's policy entry within a seed file.
type PolicySeedTenant struct {
	TenantID          string   `yaml:"tenantId"`
	APIKeyID          string   `yaml:"apiKeyId"`
	Active            bool     `yaml:"active"`
	Roles             []string `yaml:"roles"`
	Permissions       []string `yaml:"permissions"`
	DailyTimerLimit   int64    `yaml:"dailyTimerLimit"`
	BurstTimerLimit   int64    `yaml:"burstTimerLimit"`
	MaxActiveTimers   int64    `yaml:"maxActiveTimers"`
	SchedulePerMinute float64  `yaml:"schedulePerMinute"`
	CancelPerMinute   float64  `yaml:"cancelPerMinute"`
}

// LoadPolicySeedFile reads and parses a YAML tenant policy seed document.
func LoadPolicySeedFile(path string) (*PolicySeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy seed file: %w", err)
	}

	var seed PolicySeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse policy seed file: %w", err)
	}
	if seed.Kind != "TenantPolicySeed" {
		return nil, fmt.Errorf("unsupported seed kind %q, want TenantPolicySeed", seed.Kind)
	}
	return &seed, nil
}

// ApplyPolicySeed writes every tenant entry in seed into store, seeding a
// zeroed usage counter for any tenant that doesn't already have one.
func ApplyPolicySeed(store storage.Store, seed *PolicySeedFile) (int, error) {
	applied := 0
	for _, t := range seed.Tenants {
		policy := &types.TenantPolicy{
			TenantID:          t.TenantID,
			APIKeyID:          t.APIKeyID,
			Active:            t.Active,
			Roles:             t.Roles,
			Permissions:       t.Permissions,
			DailyTimerLimit:   t.DailyTimerLimit,
			BurstTimerLimit:   t.BurstTimerLimit,
			MaxActiveTimers:   t.MaxActiveTimers,
			SchedulePerMinute: t.SchedulePerMinute,
			CancelPerMinute:   t.CancelPerMinute,
		}
		if err := store.PutPolicy(policy); err != nil {
			return applied, fmt.Errorf("put policy for tenant %s: %w", t.TenantID, err)
		}

		usage, err := store.GetUsage(t.TenantID)
		if err != nil {
			return applied, fmt.Errorf("read usage for tenant %s: %w", t.TenantID, err)
		}
		if usage.Day == "" && usage.DailyCount == 0 && usage.ActiveCount == 0 {
			if err := store.PutUsage(&types.UsageCounters{TenantID: t.TenantID}); err != nil {
				return applied, fmt.Errorf("seed usage for tenant %s: %w", t.TenantID, err)
			}
		}
		applied++
	}
	return applied, nil
}
