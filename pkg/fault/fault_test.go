package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/settld-labs/settld/pkg/fault"
)

func TestErrorString(t *testing.T) {
	err := fault.New(fault.CodeSchemaInvalid, "missing field streamId")
	want := "SCHEMA_INVALID: missing field streamId"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestCodeOfThroughWrapping(t *testing.T) {
	inner := fault.New(fault.CodeOptimisticConcurrencyConflict, "stream head moved")
	wrapped := fmt.Errorf("append sess_1: %w", inner)

	if got := fault.CodeOf(wrapped); got != fault.CodeOptimisticConcurrencyConflict {
		t.Fatalf("CodeOf = %q, want %q", got, fault.CodeOptimisticConcurrencyConflict)
	}
	if !fault.HasCode(wrapped, fault.CodeOptimisticConcurrencyConflict) {
		t.Fatal("HasCode should match through %w wrapping")
	}
}

func TestWithDoesNotMutateReceiver(t *testing.T) {
	base := fault.New(fault.CodeOptimisticConcurrencyConflict, "stream head moved")
	enriched := base.With("expectedPrevChainHash", "abc123")

	if base.Details != nil {
		t.Fatalf("base.Details mutated: %v", base.Details)
	}
	if enriched.Details["expectedPrevChainHash"] != "abc123" {
		t.Fatalf("enriched.Details = %v", enriched.Details)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := fault.Wrap(fault.CodeDeliveryHTTPError, "POST failed", cause)

	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause should be reachable via errors.Is")
	}
	if got := fault.CodeOf(err); got != fault.CodeDeliveryHTTPError {
		t.Fatalf("CodeOf = %q", got)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fault.Newf(fault.CodeZipBudgetExceeded, "entry %d over budget", 7)
	sentinel := fault.New(fault.CodeZipBudgetExceeded, "")

	if !errors.Is(err, sentinel) {
		t.Fatal("faults with equal codes should match via errors.Is")
	}
}

func TestChainBrokenAt(t *testing.T) {
	if got := fault.ChainBrokenAt(3); got != "CHAIN_BROKEN_AT_INDEX_3" {
		t.Fatalf("ChainBrokenAt(3) = %q", got)
	}
}

func TestCodeOfForeignError(t *testing.T) {
	if got := fault.CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("CodeOf(plain error) = %q, want empty", got)
	}
	if fault.DetailsOf(errors.New("plain")) != nil {
		t.Fatal("DetailsOf(plain error) should be nil")
	}
}
