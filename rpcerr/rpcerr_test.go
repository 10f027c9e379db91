package rpcerr

import "testing"

func TestFromStatusCodeKnown(t *testing.T) {
	err := FromStatusCode(CodeFuncNotFoundError, "FuncNotFoundError", "absent_func")
	if err.Code != CodeFuncNotFoundError {
		t.Fatalf("expected code %d, got %d", CodeFuncNotFoundError, err.Code)
	}
	if err.Name != "FuncNotFoundError" {
		t.Fatalf("expected name FuncNotFoundError, got %s", err.Name)
	}
}

func TestFromStatusCodeUnknownFallsBackToRuntimeError(t *testing.T) {
	err := FromStatusCode(9999, "Bogus", "")
	if err.Code != CodeRpcRunTimeError {
		t.Fatalf("expected fallback code %d, got %d", CodeRpcRunTimeError, err.Code)
	}
}

func TestErrorMessageIncludesExtra(t *testing.T) {
	err := NewFuncNotFoundError("target=absent_func")
	want := "FuncNotFoundError: Not found func. target=absent_func"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}
