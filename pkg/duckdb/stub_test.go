//go:build !duckdb

package duckdb

import (
	"context"
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

func TestStubReturnsError(t *testing.T) {
	_, err := NewInstance(memory.DefaultAllocator, 0)
	if !errors.Is(err, ErrDuckDBNotAvailable) {
		t.Errorf("expected ErrDuckDBNotAvailable, got: %v", err)
	}
}

func TestStubReadCSVReturnsError(t *testing.T) {
	var inst Instance
	if _, err := inst.ReadCSV(context.Background(), "mushrooms.csv"); !errors.Is(err, ErrDuckDBNotAvailable) {
		t.Errorf("expected ErrDuckDBNotAvailable, got: %v", err)
	}
	if _, err := inst.Query(context.Background(), "SELECT 1"); !errors.Is(err, ErrDuckDBNotAvailable) {
		t.Errorf("expected ErrDuckDBNotAvailable, got: %v", err)
	}
}

func TestStubNotAvailable(t *testing.T) {
	if Available {
		t.Error("Available is true without the duckdb tag")
	}
}
