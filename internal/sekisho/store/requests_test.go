package store_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/sekisho/internal/sekisho/store"
)

func newTestRequest(id string) *store.Request {
	return &store.Request{
		ID:          id,
		Skill:       "hello",
		Source:      "https://skills.example.com/hello.sh",
		Fingerprint: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		Secrets:     []string{"API_KEY"},
		Args:        map[string]string{"CITY": "Lisbon"},
		Network:     []string{"api.example.com"},
		TimeoutSecs: 30,
	}
}

func TestCreateAndGetRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := newTestRequest("r-1")
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	got, err := s.GetRequest(ctx, "r-1")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}

	if got.ID != "r-1" {
		t.Errorf("ID: got %q, want %q", got.ID, "r-1")
	}
	if got.Skill != "hello" {
		t.Errorf("Skill: got %q, want %q", got.Skill, "hello")
	}
	if got.State != store.StatePending {
		t.Errorf("State: got %q, want %q", got.State, store.StatePending)
	}
	if len(got.Secrets) != 1 || got.Secrets[0] != "API_KEY" {
		t.Errorf("Secrets: got %v, want [API_KEY]", got.Secrets)
	}
	if got.Args["CITY"] != "Lisbon" {
		t.Errorf("Args[CITY]: got %q, want %q", got.Args["CITY"], "Lisbon")
	}
	if len(got.Network) != 1 || got.Network[0] != "api.example.com" {
		t.Errorf("Network: got %v, want [api.example.com]", got.Network)
	}
	if got.TimeoutSecs != 30 {
		t.Errorf("TimeoutSecs: got %d, want 30", got.TimeoutSecs)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should not be zero")
	}
}

func TestCreateRequest_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRequest(ctx, newTestRequest("r-dup")); err != nil {
		t.Fatalf("first CreateRequest: %v", err)
	}

	err := s.CreateRequest(ctx, newTestRequest("r-dup"))
	if !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestGetRequest_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRequest(context.Background(), "nonexistent")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRequest(ctx, newTestRequest("r-t")); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	now := time.Now()
	if err := s.Transition(ctx, "r-t", store.StatePending, store.StateApproved, now); err != nil {
		t.Fatalf("Transition pending->approved: %v", err)
	}

	got, err := s.GetRequest(ctx, "r-t")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.State != store.StateApproved {
		t.Errorf("State: got %q, want %q", got.State, store.StateApproved)
	}
	if !got.ApprovedAt.Valid {
		t.Error("ApprovedAt should be set after approving transition")
	}

	if err := s.Transition(ctx, "r-t", store.StateApproved, store.StateExecuting, time.Now()); err != nil {
		t.Fatalf("Transition approved->executing: %v", err)
	}

	got, err = s.GetRequest(ctx, "r-t")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if !got.ExecutedAt.Valid {
		t.Error("ExecutedAt should be set after executing transition")
	}
}

func TestTransition_WrongFromState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRequest(ctx, newTestRequest("r-cas")); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	// Row is pending; a CAS expecting approved must lose.
	err := s.Transition(ctx, "r-cas", store.StateApproved, store.StateExecuting, time.Now())
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := s.GetRequest(ctx, "r-cas")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.State != store.StatePending {
		t.Errorf("State after failed CAS: got %q, want %q", got.State, store.StatePending)
	}
}

func TestTransition_OnlyFirstDecisionWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRequest(ctx, newTestRequest("r-race")); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	// Two decisions on the same pending row: approve then deny. The second
	// compare-and-set must observe the first and lose.
	if err := s.Transition(ctx, "r-race", store.StatePending, store.StateApproved, time.Now()); err != nil {
		t.Fatalf("first Transition: %v", err)
	}
	err := s.Transition(ctx, "r-race", store.StatePending, store.StateDenied, time.Now())
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for losing decision, got %v", err)
	}

	got, err := s.GetRequest(ctx, "r-race")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.State != store.StateApproved {
		t.Errorf("State: got %q, want %q", got.State, store.StateApproved)
	}
}

func TestTransition_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.Transition(context.Background(), "ghost", store.StatePending, store.StateApproved, time.Now())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetResult_Completed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRequest(ctx, newTestRequest("r-done")); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := s.Transition(ctx, "r-done", store.StatePending, store.StateApproved, time.Now()); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := s.Transition(ctx, "r-done", store.StateApproved, store.StateExecuting, time.Now()); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	res := &store.Result{ExitCode: 0, Stdout: "HELLO\n", Stderr: "", DurationMS: 42}
	if err := s.SetResult(ctx, "r-done", store.StateExecuting, store.StateCompleted, res, "", time.Now()); err != nil {
		t.Fatalf("SetResult: %v", err)
	}

	got, err := s.GetRequest(ctx, "r-done")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.State != store.StateCompleted {
		t.Errorf("State: got %q, want %q", got.State, store.StateCompleted)
	}
	if !got.ExitCode.Valid || got.ExitCode.Int64 != 0 {
		t.Errorf("ExitCode: got %v, want 0", got.ExitCode)
	}
	if !got.Stdout.Valid || got.Stdout.String != "HELLO\n" {
		t.Errorf("Stdout: got %q, want %q", got.Stdout.String, "HELLO\n")
	}
	if !got.DurationMS.Valid || got.DurationMS.Int64 != 42 {
		t.Errorf("DurationMS: got %v, want 42", got.DurationMS)
	}
	if got.FailureKind.Valid {
		t.Errorf("FailureKind should be unset on completed, got %q", got.FailureKind.String)
	}
}

func TestSetResult_FailedWithoutOutput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRequest(ctx, newTestRequest("r-fail")); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := s.Transition(ctx, "r-fail", store.StatePending, store.StateApproved, time.Now()); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	// Launch failures carry a kind but no captured streams.
	if err := s.SetResult(ctx, "r-fail", store.StateApproved, store.StateFailed, nil, store.FailureLaunch, time.Now()); err != nil {
		t.Fatalf("SetResult: %v", err)
	}

	got, err := s.GetRequest(ctx, "r-fail")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.State != store.StateFailed {
		t.Errorf("State: got %q, want %q", got.State, store.StateFailed)
	}
	if !got.FailureKind.Valid || got.FailureKind.String != store.FailureLaunch {
		t.Errorf("FailureKind: got %q, want %q", got.FailureKind.String, store.FailureLaunch)
	}
	if got.ExitCode.Valid {
		t.Error("ExitCode should be unset when no result was captured")
	}
}

func TestSetResult_RejectsDenied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRequest(ctx, newTestRequest("r-bad")); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	err := s.SetResult(ctx, "r-bad", store.StatePending, store.StateDenied, nil, "", time.Now())
	if err == nil {
		t.Fatal("expected SetResult to reject denied, got nil")
	}
}

func TestAttachChatHandle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRequest(ctx, newTestRequest("r-h")); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	if err := s.AttachChatHandle(ctx, "r-h", "$event1"); err != nil {
		t.Fatalf("AttachChatHandle: %v", err)
	}
	// Idempotent: re-attaching overwrites.
	if err := s.AttachChatHandle(ctx, "r-h", "$event2"); err != nil {
		t.Fatalf("AttachChatHandle (second): %v", err)
	}

	got, err := s.GetRequest(ctx, "r-h")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if !got.ChatHandle.Valid || got.ChatHandle.String != "$event2" {
		t.Errorf("ChatHandle: got %q, want %q", got.ChatHandle.String, "$event2")
	}
}

func TestStoreAndLoadCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRequest(ctx, newTestRequest("r-c")); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	body := []byte("#!/bin/sh\n# @skill hello\necho HELLO\n")
	if err := s.StoreCode(ctx, "r-c", body); err != nil {
		t.Fatalf("StoreCode: %v", err)
	}

	got, err := s.LoadCode(ctx, "r-c")
	if err != nil {
		t.Fatalf("LoadCode: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("LoadCode returned different bytes: got %q, want %q", got, body)
	}
}

func TestLoadCode_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadCode(context.Background(), "ghost")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPruneTerminalRequests(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// One terminal request with pinned code, one still pending.
	if err := s.CreateRequest(ctx, newTestRequest("r-old")); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := s.StoreCode(ctx, "r-old", []byte("echo old")); err != nil {
		t.Fatalf("StoreCode: %v", err)
	}
	if err := s.Transition(ctx, "r-old", store.StatePending, store.StateDenied, time.Now()); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	if err := s.CreateRequest(ctx, newTestRequest("r-live")); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	n, err := s.PruneTerminalRequests(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneTerminalRequests: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned: got %d, want 1", n)
	}

	if _, err := s.GetRequest(ctx, "r-old"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected r-old to be pruned, got %v", err)
	}
	// Code rows follow the request via the foreign key.
	if _, err := s.LoadCode(ctx, "r-old"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected r-old code to be pruned, got %v", err)
	}
	if _, err := s.GetRequest(ctx, "r-live"); err != nil {
		t.Errorf("pending request should survive pruning: %v", err)
	}
}
