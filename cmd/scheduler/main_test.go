package main

import (
	"testing"
	"time"
)

func TestBuildConfig_RequiresStart(t *testing.T) {
	_, err := buildConfig("", "", "fhirsync", "", 4, 2, "", time.Minute, "jobs.db", "", "")
	if err == nil {
		t.Fatal("expected error when -start is omitted")
	}
}

func TestBuildConfig_RequiresStoreBackend(t *testing.T) {
	_, err := buildConfig("2024-01-01T00:00:00Z", "", "fhirsync", "", 4, 2, "", time.Minute, "", "", "")
	if err == nil {
		t.Fatal("expected error when neither -db nor -bucket is set")
	}
}

func TestBuildConfig_RejectsMalformedStart(t *testing.T) {
	_, err := buildConfig("not-a-time", "", "fhirsync", "", 4, 2, "", time.Minute, "jobs.db", "", "")
	if err == nil {
		t.Fatal("expected error for malformed -start")
	}
}

func TestBuildConfig_RejectsMalformedEnd(t *testing.T) {
	_, err := buildConfig("2024-01-01T00:00:00Z", "not-a-time", "fhirsync", "", 4, 2, "", time.Minute, "jobs.db", "", "")
	if err == nil {
		t.Fatal("expected error for malformed -end")
	}
}

func TestBuildConfig_PopulatesFieldsAndDefaultsLeaseHolder(t *testing.T) {
	cfg, err := buildConfig("2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "acme", "Patient,Encounter", 8, 5, "", 2*time.Minute, "jobs.db", "", "https://example.test")
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if cfg.ContainerName != "acme" {
		t.Errorf("ContainerName = %q, want acme", cfg.ContainerName)
	}
	if len(cfg.ResourceTypeFilters) != 2 || cfg.ResourceTypeFilters[0] != "Patient" || cfg.ResourceTypeFilters[1] != "Encounter" {
		t.Errorf("ResourceTypeFilters = %v", cfg.ResourceTypeFilters)
	}
	if cfg.MaxConcurrencyCount != 8 {
		t.Errorf("MaxConcurrencyCount = %d, want 8", cfg.MaxConcurrencyCount)
	}
	if cfg.LeaseHolderID == "" {
		t.Error("expected LeaseHolderID to default to hostname:pid, got empty")
	}
	if cfg.DBPath != "jobs.db" {
		t.Errorf("DBPath = %q, want jobs.db", cfg.DBPath)
	}
}

func TestBuildConfig_HonorsExplicitLeaseHolder(t *testing.T) {
	cfg, err := buildConfig("2024-01-01T00:00:00Z", "", "fhirsync", "", 4, 2, "worker-7", time.Minute, "jobs.db", "", "")
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if cfg.LeaseHolderID != "worker-7" {
		t.Errorf("LeaseHolderID = %q, want worker-7", cfg.LeaseHolderID)
	}
}
