package offlinekit

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StrategyDefinition is a YAML-friendly fallback strategy definition.
//
// Example:
//
//	apiVersion: offlinekit/v1
//	kind: ToolStrategy
//	metadata:
//	  name: weather
//	spec:
//	  cache:
//	    enabled: true
//	    ttl: 1h
//	  local:
//	    enabled: true
//	  queue:
//	    enabled: true
//	    maxSize: 100
//	  breaker:
//	    threshold: 5
//	    resetTimeout: 30s
type StrategyDefinition struct {
	APIVersion string           `json:"apiVersion" yaml:"apiVersion"`
	Kind       string           `json:"kind" yaml:"kind"`
	Metadata   StrategyMetadata `json:"metadata" yaml:"metadata"`
	Spec       StrategySpec     `json:"spec" yaml:"spec"`
}

// StrategyMetadata holds strategy identification and labeling.
type StrategyMetadata struct {
	Name   string            `json:"name" yaml:"name"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// StrategySpec defines the tier configuration.
type StrategySpec struct {
	Cache   CacheTierSpec   `json:"cache,omitempty" yaml:"cache,omitempty"`
	Local   LocalTierSpec   `json:"local,omitempty" yaml:"local,omitempty"`
	Queue   QueueTierSpec   `json:"queue,omitempty" yaml:"queue,omitempty"`
	Breaker BreakerTierSpec `json:"breaker,omitempty" yaml:"breaker,omitempty"`
}

// CacheTierSpec configures the cached-response tier.
type CacheTierSpec struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	TTL     string `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// LocalTierSpec configures the local-alternative tier.
type LocalTierSpec struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// QueueTierSpec configures the replay-queue tier.
type QueueTierSpec struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	MaxSize int  `json:"maxSize,omitempty" yaml:"maxSize,omitempty"`
}

// BreakerTierSpec configures the primary-tier circuit breaker.
type BreakerTierSpec struct {
	Threshold    int    `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	ResetTimeout string `json:"resetTimeout,omitempty" yaml:"resetTimeout,omitempty"`
}

// strategyKind is the accepted definition kind.
const strategyKind = "ToolStrategy"

// LoadStrategyFile reads fallback strategies from a YAML file. The file may
// contain multiple documents, one strategy each.
func LoadStrategyFile(path string) ([]FallbackStrategy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open strategy file: %w", err)
	}
	defer f.Close()

	strategies, err := ParseStrategyDefinitions(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return strategies, nil
}

// ParseStrategyDefinitions decodes multi-document YAML strategy definitions
// and converts each into a validated FallbackStrategy.
func ParseStrategyDefinitions(r io.Reader) ([]FallbackStrategy, error) {
	dec := yaml.NewDecoder(r)

	var strategies []FallbackStrategy
	for {
		var def StrategyDefinition
		if err := dec.Decode(&def); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode definition: %w", err)
		}

		strategy, err := def.ToStrategy()
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, strategy)
	}
	return strategies, nil
}

// ToStrategy validates the definition and converts it into a
// FallbackStrategy, applying defaults for omitted fields.
func (d StrategyDefinition) ToStrategy() (FallbackStrategy, error) {
	if d.Kind != "" && d.Kind != strategyKind {
		return FallbackStrategy{}, fmt.Errorf("%w: unsupported kind %q", ErrInvalidStrategy, d.Kind)
	}
	if d.Metadata.Name == "" {
		return FallbackStrategy{}, fmt.Errorf("%w: metadata.name is required", ErrInvalidStrategy)
	}

	strategy := DefaultFallbackStrategy(d.Metadata.Name)
	strategy.EnableCache = d.Spec.Cache.Enabled
	strategy.EnableLocal = d.Spec.Local.Enabled
	strategy.EnableQueue = d.Spec.Queue.Enabled

	if d.Spec.Cache.TTL != "" {
		ttl, err := time.ParseDuration(d.Spec.Cache.TTL)
		if err != nil {
			return FallbackStrategy{}, fmt.Errorf("%w: cache ttl for %q: %v", ErrInvalidStrategy, d.Metadata.Name, err)
		}
		strategy.CacheTTL = ttl
	}
	if d.Spec.Queue.MaxSize > 0 {
		strategy.MaxQueueSize = d.Spec.Queue.MaxSize
	}
	if d.Spec.Breaker.Threshold > 0 {
		strategy.BreakerThreshold = d.Spec.Breaker.Threshold
		strategy.BreakerResetTimeout = 30 * time.Second
		if d.Spec.Breaker.ResetTimeout != "" {
			reset, err := time.ParseDuration(d.Spec.Breaker.ResetTimeout)
			if err != nil {
				return FallbackStrategy{}, fmt.Errorf("%w: breaker resetTimeout for %q: %v", ErrInvalidStrategy, d.Metadata.Name, err)
			}
			strategy.BreakerResetTimeout = reset
		}
	}

	if err := strategy.validate(); err != nil {
		return FallbackStrategy{}, err
	}
	return strategy, nil
}
