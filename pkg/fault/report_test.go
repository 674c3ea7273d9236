package fault_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/settld-labs/settld/pkg/fault"
)

func TestNewReportSerializesEmptyLists(t *testing.T) {
	b, err := json.Marshal(fault.NewReport())
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if !strings.Contains(s, `"errors":[]`) || !strings.Contains(s, `"warnings":[]`) {
		t.Fatalf("empty report should carry [] lists, got %s", s)
	}
}

func TestAddErrorFlipsOK(t *testing.T) {
	r := fault.NewReport()
	if !r.OK {
		t.Fatal("fresh report should pass")
	}
	r.AddWarning("W", "a.b", "just a note")
	if !r.OK {
		t.Fatal("warnings should not flip OK")
	}
	r.AddError(fault.CodeArtifactHashMismatch, "closeHash", "recomputed hash differs")
	if r.OK {
		t.Fatal("errors must flip OK")
	}
	if !r.HasErrorCode(fault.CodeArtifactHashMismatch) {
		t.Fatal("HasErrorCode missed recorded code")
	}
}

func TestAddFaultUsesTypedCode(t *testing.T) {
	r := fault.NewReport()
	r.AddFault(fault.New(fault.CodeSignerNotTrusted, "keyId x unknown"), "signature", "FALLBACK")
	if got := r.Errors[0].Code; got != fault.CodeSignerNotTrusted {
		t.Fatalf("code = %q", got)
	}

	r2 := fault.NewReport()
	r2.AddFault(json.Unmarshal([]byte("{"), &struct{}{}), "body", fault.CodeSchemaInvalid)
	if got := r2.Errors[0].Code; got != fault.CodeSchemaInvalid {
		t.Fatalf("fallback code = %q", got)
	}
}

func TestMergePrefixesPaths(t *testing.T) {
	inner := fault.NewReport()
	inner.AddError("E1", "events[2]", "broken")
	inner.AddWarning("W1", "", "note")

	outer := fault.NewReport()
	outer.Merge(inner, "replayPack")

	if outer.Errors[0].Path != "replayPack.events[2]" {
		t.Fatalf("path = %q", outer.Errors[0].Path)
	}
	if outer.Warnings[0].Path != "replayPack" {
		t.Fatalf("warning path = %q", outer.Warnings[0].Path)
	}
	if outer.OK {
		t.Fatal("merged errors must flip OK")
	}
}

func TestErrorCodesOrder(t *testing.T) {
	r := fault.NewReport()
	r.AddError("A", "", "")
	r.AddError("B", "", "")
	got := r.ErrorCodes()
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("ErrorCodes = %v", got)
	}
}
