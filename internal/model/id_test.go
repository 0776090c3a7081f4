package model

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestNewID(t *testing.T) {
	for _, kind := range []IDKind{IDRun, IDAttempt, IDItem} {
		t.Run(string(kind), func(t *testing.T) {
			before := time.Now().Add(-time.Second)
			id, err := NewID(kind)
			if err != nil {
				t.Fatalf("NewID: %v", err)
			}
			if !strings.HasPrefix(id, string(kind)+"_") {
				t.Errorf("id %q lacks prefix", id)
			}
			gotKind, created, err := ParseID(id)
			if err != nil {
				t.Fatalf("ParseID(%q): %v", id, err)
			}
			if gotKind != kind {
				t.Errorf("kind = %q, want %q", gotKind, kind)
			}
			if created.Before(before) || created.After(time.Now().Add(time.Second)) {
				t.Errorf("created %v is not now", created)
			}
		})
	}
}

func TestNewID_RejectsUnknownKind(t *testing.T) {
	if _, err := NewID("job"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestNewID_UniqueAndOrdered(t *testing.T) {
	ids := make([]string, 200)
	seen := make(map[string]bool)
	for i := range ids {
		id, err := NewID(IDAttempt)
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		ids[i] = id
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("ids are not in creation order")
	}
}

func TestValidID(t *testing.T) {
	good, _ := NewID(IDRun)
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"generated", good, true},
		{"unknown prefix", "job" + good[3:], false},
		{"uppercase", strings.ToUpper(good[:4]) + strings.ToUpper(good[4:]), false},
		{"dashed uuid", "run_0191f3a4-5b6c-7d8e-9f00-112233445566", false},
		{"uuid v4", "run_9b2c4f3e1d0a4b5c8d7e6f5a4b3c2d1e", false},
		{"short", "run_0191f3a45b6c", false},
		{"empty", "", false},
		{"plain name", "add-user-model", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidID(tt.id); got != tt.want {
				t.Errorf("ValidID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}
