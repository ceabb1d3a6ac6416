package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reverie-ai/reverie/pkg/memory"
	memmock "github.com/reverie-ai/reverie/pkg/memory/mock"
)

// TestRetentionConfig_Enabled checks the enable conditions.
func TestRetentionConfig_Enabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  RetentionConfig
		want bool
	}{
		{"empty", RetentionConfig{}, false},
		{"schedule only", RetentionConfig{Schedule: "0 3 * * *"}, false},
		{"age without schedule", RetentionConfig{MaxSnippetAge: time.Hour}, false},
		{"schedule and age", RetentionConfig{Schedule: "0 3 * * *", MaxSnippetAge: time.Hour}, true},
		{"schedule and count", RetentionConfig{Schedule: "0 3 * * *", MaxSnippetsPerTenant: 100}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestRunOnce_AgeCutoff checks that the cutoff derives from the configured
// age.
func TestRunOnce_AgeCutoff(t *testing.T) {
	index := &memmock.SnippetIndex{PruneByAgeResult: 4}
	r, err := NewRetention(index, RetentionConfig{
		Schedule:      "0 3 * * *",
		MaxSnippetAge: 48 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewRetention: %v", err)
	}
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	pruned, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if pruned != 4 {
		t.Errorf("expected 4 pruned, got %d", pruned)
	}

	var cutoff time.Time
	for _, c := range index.Calls() {
		if c.Method == "PruneByAge" {
			cutoff = c.Args[0].(time.Time)
		}
	}
	want := now.Add(-48 * time.Hour)
	if !cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", cutoff, want)
	}
}

// TestRunOnce_PerTenantCount checks the tenant iteration.
func TestRunOnce_PerTenantCount(t *testing.T) {
	index := &memmock.SnippetIndex{
		TenantsResult: []memory.Tenant{
			{UserID: "u1", CharacterID: "sarah"},
			{UserID: "u2", CharacterID: "kai"},
		},
		PruneByCountResult: 3,
	}
	r, err := NewRetention(index, RetentionConfig{
		Schedule:             "0 3 * * *",
		MaxSnippetsPerTenant: 100,
	})
	if err != nil {
		t.Fatalf("NewRetention: %v", err)
	}

	pruned, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if pruned != 6 {
		t.Errorf("expected 6 pruned, got %d", pruned)
	}
	if n := index.CallCount("PruneByCount"); n != 2 {
		t.Errorf("expected 2 per-tenant prunes, got %d", n)
	}
	for _, c := range index.Calls() {
		if c.Method == "PruneByCount" {
			if keep := c.Args[2].(int); keep != 100 {
				t.Errorf("expected keep=100, got %d", keep)
			}
		}
	}
}

// TestRunOnce_DisabledThresholdsDoNothing checks the no-op path.
func TestRunOnce_DisabledThresholdsDoNothing(t *testing.T) {
	index := &memmock.SnippetIndex{}
	r, err := NewRetention(index, RetentionConfig{Schedule: "0 3 * * *"})
	if err != nil {
		t.Fatalf("NewRetention: %v", err)
	}

	pruned, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if pruned != 0 {
		t.Errorf("expected 0 pruned, got %d", pruned)
	}
	if n := len(index.Calls()); n != 0 {
		t.Errorf("expected no index calls, got %d", n)
	}
}

// TestRunOnce_TenantFailureDoesNotAbort checks error joining.
func TestRunOnce_TenantFailureDoesNotAbort(t *testing.T) {
	index := &memmock.SnippetIndex{
		TenantsResult: []memory.Tenant{
			{UserID: "u1", CharacterID: "sarah"},
			{UserID: "u2", CharacterID: "kai"},
		},
		PruneByCountErr: errors.New("index down"),
		PruneByAgeResult: 2,
	}
	r, err := NewRetention(index, RetentionConfig{
		Schedule:             "0 3 * * *",
		MaxSnippetAge:        time.Hour,
		MaxSnippetsPerTenant: 50,
	})
	if err != nil {
		t.Fatalf("NewRetention: %v", err)
	}

	pruned, err := r.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if pruned != 2 {
		t.Errorf("age pruning should still count, got %d", pruned)
	}
	if n := index.CallCount("PruneByCount"); n != 2 {
		t.Errorf("expected both tenants attempted, got %d", n)
	}
}

// TestStart_InvalidSchedule checks cron expression validation.
func TestStart_InvalidSchedule(t *testing.T) {
	r, err := NewRetention(&memmock.SnippetIndex{}, RetentionConfig{
		Schedule:      "not a cron line",
		MaxSnippetAge: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewRetention: %v", err)
	}
	if err := r.Start(); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

// TestStart_DisabledIsNoop checks that a disabled config never schedules.
func TestStart_DisabledIsNoop(t *testing.T) {
	r, err := NewRetention(&memmock.SnippetIndex{}, RetentionConfig{})
	if err != nil {
		t.Fatalf("NewRetention: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()
}
