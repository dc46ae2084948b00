// Package catalog provides a reference implementation of job.Catalog. A
// real schema catalog / resource-type enumeration service would call out
// to a registry; this static list stands in for one so the module is
// runnable end-to-end without one.
package catalog

import (
	"context"
	"log/slog"
)

// defaultResourceTypes lists common healthcare resource type names.
var defaultResourceTypes = []string{
	"Patient",
	"Encounter",
	"Observation",
	"Condition",
	"MedicationRequest",
	"Procedure",
	"DiagnosticReport",
	"Immunization",
	"AllergyIntolerance",
	"CarePlan",
}

// StaticCatalog implements job.Catalog with a fixed list of resource types.
type StaticCatalog struct {
	resourceTypes []string
	logger        *slog.Logger
}

// NewStaticCatalog creates a StaticCatalog. If resourceTypes is empty,
// defaultResourceTypes is used.
func NewStaticCatalog(resourceTypes []string, logger *slog.Logger) *StaticCatalog {
	if len(resourceTypes) == 0 {
		resourceTypes = defaultResourceTypes
	}
	return &StaticCatalog{
		resourceTypes: resourceTypes,
		logger:        logger.With("component", "catalog"),
	}
}

// GetAll returns the configured resource type list.
func (c *StaticCatalog) GetAll(ctx context.Context) ([]string, error) {
	c.logger.Debug("catalog lookup", "count", len(c.resourceTypes))
	out := make([]string, len(c.resourceTypes))
	copy(out, c.resourceTypes)
	return out, nil
}
