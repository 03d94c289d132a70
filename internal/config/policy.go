package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/ratelimit"
	"github.com/civicgov/civicguard/internal/reputation"
	"github.com/civicgov/civicguard/internal/retention"
)

// PolicyFile is the operator-supplied YAML document that overrides built-in
// rate-limit policies, seeds retention policies and lists CIDR ranges.
//
//	rate_limits:
//	  - name: vote
//	    algorithm: token_bucket
//	    fail_mode: closed
//	    bucket_size: 10
//	    refill_rate: 0.2
//	retention:
//	  - id: votes
//	    resource_type: vote
//	    retention_days: 3650
//	    archive_enabled: true
//	    archive_after_days: 365
//	bad_ranges: ["198.51.100.0/24"]
//	datacenter_ranges: ["203.0.113.0/24"]
type PolicyFile struct {
	RateLimits       []ratelimit.Policy       `yaml:"rate_limits"`
	Retention        []domain.RetentionPolicy `yaml:"retention"`
	BadRanges        []string                 `yaml:"bad_ranges"`
	DatacenterRanges []string                 `yaml:"datacenter_ranges"`
}

// Policies is a parsed PolicyFile ready to hand to the services.
type Policies struct {
	RateLimits       []ratelimit.Policy
	Retention        []domain.RetentionPolicy
	BadRanges        []netip.Prefix
	DatacenterRanges []netip.Prefix
}

// LoadPolicies reads path. An empty path yields the built-in defaults.
func LoadPolicies(path string) (*Policies, error) {
	if path == "" {
		return &Policies{RateLimits: ratelimit.DefaultPolicies()}, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("config.LoadPolicies: %w", err)
	}

	p, err := ParsePolicies(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config.LoadPolicies: %s: %w", path, err)
	}
	return p, nil
}

// ParsePolicies decodes a policy document. Rate-limit entries replace the
// built-in policy of the same name and add new ones otherwise. Unknown keys
// and invalid policies are rejected.
func ParsePolicies(r io.Reader) (*Policies, error) {
	var doc PolicyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w: %w", domain.ErrInvalidPolicy, err)
	}

	bad, err := reputation.ParsePrefixes(doc.BadRanges)
	if err != nil {
		return nil, fmt.Errorf("bad_ranges: %w", err)
	}
	dc, err := reputation.ParsePrefixes(doc.DatacenterRanges)
	if err != nil {
		return nil, fmt.Errorf("datacenter_ranges: %w", err)
	}

	limits := mergeRateLimits(ratelimit.DefaultPolicies(), doc.RateLimits)
	if _, err := ratelimit.NewLimiter(nil, limits); err != nil {
		return nil, fmt.Errorf("rate_limits: %w", err)
	}
	for i := range doc.Retention {
		if err := retention.ValidatePolicy(&doc.Retention[i]); err != nil {
			return nil, fmt.Errorf("retention[%d]: %w", i, err)
		}
	}

	return &Policies{
		RateLimits:       limits,
		Retention:        doc.Retention,
		BadRanges:        bad,
		DatacenterRanges: dc,
	}, nil
}

func mergeRateLimits(base, overrides []ratelimit.Policy) []ratelimit.Policy {
	out := make([]ratelimit.Policy, 0, len(base)+len(overrides))
	idx := make(map[string]int, len(base))
	for _, p := range base {
		idx[p.Name] = len(out)
		out = append(out, p)
	}
	for _, p := range overrides {
		if i, ok := idx[p.Name]; ok {
			out[i] = p
			continue
		}
		idx[p.Name] = len(out)
		out = append(out, p)
	}
	return out
}
