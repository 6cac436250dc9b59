// Package config loads declarative seed documents: routes, sequence
// definitions and handoff routes described in YAML and applied at startup.
// Applying a seed is idempotent, so the same document can ship with every
// deploy.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/repo"
)

type Seed struct {
	Routes      []RouteSeed      `yaml:"routes"`
	Definitions []DefinitionSeed `yaml:"definitions"`
	Handoffs    []HandoffSeed    `yaml:"handoffs"`
}

type RouteSeed struct {
	ID          string             `yaml:"id"`
	TenantID    string             `yaml:"tenant_id"`
	EventType   string             `yaml:"event_type"`
	SequenceKey string             `yaml:"sequence_key"`
	Priority    int                `yaml:"priority"`
	Conditions  []domain.Condition `yaml:"conditions"`
}

type DefinitionSeed struct {
	ID              string                `yaml:"id"`
	TenantID        string                `yaml:"tenant_id"`
	SequenceKey     string                `yaml:"sequence_key"`
	Version         int                   `yaml:"version"`
	SchemaVersion   string                `yaml:"schema_version"`
	Steps           []domain.SequenceStep `yaml:"steps"`
	RequiredContext []string              `yaml:"required_context"`
	CreatedBy       string                `yaml:"created_by"`
}

type HandoffSeed struct {
	ID                string                  `yaml:"id"`
	SourceSequenceKey string                  `yaml:"source_sequence_key"`
	SourceStep        string                  `yaml:"source_step"`
	TargetEventType   string                  `yaml:"target_event_type"`
	Mappings          []domain.ContextMapping `yaml:"mappings"`
	Conditions        []domain.Condition      `yaml:"conditions"`
	DelaySeconds      int                     `yaml:"delay_seconds"`
}

// Load reads and parses a seed document from path.
func Load(path string) (Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed file: %w", err)
	}
	return seed, nil
}

// Apply upserts the seed into storage. Definitions go first so routes never
// point at a sequence that does not exist yet. Records that already exist
// (a published definition version, a route or handoff from an earlier apply)
// are skipped, not treated as errors.
func Apply(ctx context.Context, seed Seed, routes repo.RouteRepository, definitions repo.DefinitionRepository, handoffs repo.HandoffRepository, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now().UTC()

	for i, item := range seed.Definitions {
		schemaVersion := item.SchemaVersion
		if schemaVersion == "" {
			schemaVersion = domain.DefinitionSchemaV1
		}
		def := domain.SequenceDefinition{
			ID:              item.ID,
			TenantID:        item.TenantID,
			SequenceKey:     item.SequenceKey,
			Version:         item.Version,
			SchemaVersion:   schemaVersion,
			Steps:           item.Steps,
			RequiredContext: item.RequiredContext,
			Active:          true,
			CreatedAt:       now,
			CreatedBy:       item.CreatedBy,
		}
		if err := def.Validate(); err != nil {
			return fmt.Errorf("definitions[%d]: %w", i, err)
		}
		err := definitions.PublishDefinition(ctx, def)
		switch {
		case err == nil:
			logger.Info("seeded definition",
				"sequence_key", def.SequenceKey,
				"version", def.Version,
				"tenant_id", def.TenantID,
			)
		case errors.Is(err, repo.ErrVersionConflict):
			logger.Debug("definition already seeded",
				"sequence_key", def.SequenceKey,
				"version", def.Version,
			)
		default:
			return fmt.Errorf("definitions[%d]: %w", i, err)
		}
	}

	for i, item := range seed.Routes {
		route := domain.EventRoute{
			ID:          item.ID,
			TenantID:    item.TenantID,
			EventType:   item.EventType,
			SequenceKey: item.SequenceKey,
			Priority:    item.Priority,
			Conditions:  item.Conditions,
			Active:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := route.Validate(); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
		err := routes.CreateRoute(ctx, route)
		switch {
		case err == nil:
		case errors.Is(err, repo.ErrAlreadyExists):
			logger.Debug("route already seeded",
				"event_type", route.EventType,
				"sequence_key", route.SequenceKey,
			)
		default:
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
	}

	for i, item := range seed.Handoffs {
		route := domain.HandoffRoute{
			ID:                item.ID,
			SourceSequenceKey: item.SourceSequenceKey,
			SourceStep:        item.SourceStep,
			TargetEventType:   item.TargetEventType,
			Mappings:          item.Mappings,
			Conditions:        item.Conditions,
			DelaySeconds:      item.DelaySeconds,
			Active:            true,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := route.Validate(); err != nil {
			return fmt.Errorf("handoffs[%d]: %w", i, err)
		}
		err := handoffs.CreateHandoff(ctx, route)
		switch {
		case err == nil:
		case errors.Is(err, repo.ErrAlreadyExists):
			logger.Debug("handoff already seeded", "handoff_id", route.ID)
		default:
			return fmt.Errorf("handoffs[%d]: %w", i, err)
		}
	}

	logger.Info("seed applied",
		"definitions", len(seed.Definitions),
		"routes", len(seed.Routes),
		"handoffs", len(seed.Handoffs),
	)
	return nil
}
