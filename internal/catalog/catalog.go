// Package catalog resolves named networks to their chain parameters,
// loaded once at startup from a YAML file in the same style
// mevshare.LoadBuilderConfig loads builders.yaml: read the whole file,
// unmarshal with gopkg.in/yaml.v3, fail closed on any problem.
//
// Network definitions support prototype inheritance: a child names a
// `from` parent of the same chain type and overrides fields. Resolution
// is a fixpoint over the definition set that must detect cycles and
// missing parents.
package catalog

import (
	"errors"
	"fmt"
	"os"

	"github.com/relaynet/chain-relayer/internal/chain"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnresolvedParent  = errors.New("catalog: unresolved parent network")
	ErrInheritanceCycle  = errors.New("catalog: cyclic network inheritance")
	ErrUnknownNetwork    = errors.New("catalog: unknown network")
	ErrMissingRPCURLs    = errors.New("catalog: network has no rpc urls after resolution")
)

// RawNetwork is one YAML network entry before fixpoint resolution.
type RawNetwork struct {
	ID                  string          `yaml:"id"`
	From                string          `yaml:"from,omitempty"`
	Type                string          `yaml:"type,omitempty"`
	ChainID             *uint64         `yaml:"chain_id,omitempty"`
	Passphrase          string          `yaml:"passphrase,omitempty"`
	AverageBlocktimeMs  *uint64         `yaml:"average_blocktime_ms,omitempty"`
	ConfirmationsNeeded *uint64         `yaml:"confirmations_required,omitempty"`
	Features            []string        `yaml:"features,omitempty"`
	RPCURLs             []RawRPCURL     `yaml:"rpc_urls,omitempty"`
}

// RawRPCURL is one weighted endpoint entry.
type RawRPCURL struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

// File is the top-level shape of the network catalog YAML file.
type File struct {
	Networks []RawNetwork `yaml:"networks"`
}

// ChainParams is the fully resolved, immutable description of a network.
type ChainParams struct {
	ID                  string
	Type                chain.Type
	ChainID             uint64
	Passphrase          string
	AverageBlocktime    uint64 // ms
	ConfirmationsNeeded uint64
	Features            map[string]bool
	RPCURLs             []RawRPCURL
}

// HasFeature reports whether a feature flag is set for this network.
func (c *ChainParams) HasFeature(name string) bool {
	return c.Features[name]
}

// Catalog is the immutable, in-memory map network_id -> ChainParams
// produced by Load.
type Catalog struct {
	networks map[string]ChainParams
}

// Get resolves a network_id, failing with ErrUnknownNetwork if absent.
func (c *Catalog) Get(id string) (ChainParams, error) {
	p, ok := c.networks[id]
	if !ok {
		return ChainParams{}, fmt.Errorf("%w: %s", ErrUnknownNetwork, id)
	}
	return p, nil
}

// LoadFile reads and resolves a network catalog YAML file from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return Load(f.Networks)
}

// Load resolves a raw network definition set into a Catalog, fixpoint
// over `from` inheritance, detecting cycles and missing parents.
func Load(raw []RawNetwork) (*Catalog, error) {
	byID := make(map[string]RawNetwork, len(raw))
	for _, n := range raw {
		byID[n.ID] = n
	}

	resolved := make(map[string]ChainParams, len(raw))
	for _, n := range raw {
		params, err := resolveOne(n.ID, byID, make(map[string]bool))
		if err != nil {
			return nil, err
		}
		if len(params.RPCURLs) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingRPCURLs, n.ID)
		}
		resolved[n.ID] = params
	}
	return &Catalog{networks: resolved}, nil
}

// resolveOne walks the `from` chain for id, merging child-over-parent,
// and fails closed on a missing parent or a revisit (cycle).
func resolveOne(id string, byID map[string]RawNetwork, visiting map[string]bool) (ChainParams, error) {
	if visiting[id] {
		return ChainParams{}, fmt.Errorf("%w: %s", ErrInheritanceCycle, id)
	}
	node, ok := byID[id]
	if !ok {
		return ChainParams{}, fmt.Errorf("%w: %s", ErrUnresolvedParent, id)
	}

	if node.From == "" {
		return toChainParams(node)
	}

	visiting[id] = true
	parentParams, err := resolveOne(node.From, byID, visiting)
	if err != nil {
		return ChainParams{}, err
	}
	delete(visiting, id)

	return mergeOverride(parentParams, node)
}

func toChainParams(n RawNetwork) (ChainParams, error) {
	t, err := chain.ParseType(n.Type)
	if err != nil {
		return ChainParams{}, fmt.Errorf("catalog: network %s: %w", n.ID, err)
	}
	p := ChainParams{
		ID:       n.ID,
		Type:     t,
		Features: toFeatureSet(n.Features),
		RPCURLs:  n.RPCURLs,
	}
	if n.ChainID != nil {
		p.ChainID = *n.ChainID
	}
	p.Passphrase = n.Passphrase
	if n.AverageBlocktimeMs != nil {
		p.AverageBlocktime = *n.AverageBlocktimeMs
	}
	if n.ConfirmationsNeeded != nil {
		p.ConfirmationsNeeded = *n.ConfirmationsNeeded
	}
	return p, nil
}

// mergeOverride applies child's set fields on top of the resolved
// parent, the "prototype inheritance" spec.md §4.1 calls for.
func mergeOverride(parent ChainParams, child RawNetwork) (ChainParams, error) {
	p := parent
	p.ID = child.ID
	if child.Type != "" {
		t, err := chain.ParseType(child.Type)
		if err != nil {
			return ChainParams{}, fmt.Errorf("catalog: network %s: %w", child.ID, err)
		}
		p.Type = t
	}
	if child.ChainID != nil {
		p.ChainID = *child.ChainID
	}
	if child.Passphrase != "" {
		p.Passphrase = child.Passphrase
	}
	if child.AverageBlocktimeMs != nil {
		p.AverageBlocktime = *child.AverageBlocktimeMs
	}
	if child.ConfirmationsNeeded != nil {
		p.ConfirmationsNeeded = *child.ConfirmationsNeeded
	}
	if len(child.Features) > 0 {
		for k, v := range toFeatureSet(child.Features) {
			if p.Features == nil {
				p.Features = map[string]bool{}
			}
			p.Features[k] = v
		}
	}
	if len(child.RPCURLs) > 0 {
		p.RPCURLs = child.RPCURLs
	}
	return p, nil
}

func toFeatureSet(features []string) map[string]bool {
	set := make(map[string]bool, len(features))
	for _, f := range features {
		set[f] = true
	}
	return set
}
