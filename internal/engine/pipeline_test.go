package engine

import (
	"testing"
	"time"
)

func TestReceiptLifecycle(t *testing.T) {
	r := &Receipt{SessionID: "s1", Started: time.Now(), done: make(chan struct{})}

	select {
	case <-r.Done():
		t.Fatal("done closed before terminal state")
	default:
	}

	r.record(StageOutcome{Stage: "ingest_candidates", Duration: time.Millisecond})
	r.record(StageOutcome{Stage: "ingest_embeddings", Error: "embedder unreachable"})
	r.finish(PipelineCompleted)

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after finish")
	}

	if r.Terminal() != PipelineCompleted {
		t.Errorf("terminal: %q", r.Terminal())
	}
	outcomes := r.Outcomes()
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	// A failed stage is recorded, not fatal: the record after it exists.
	if outcomes[1].Error == "" {
		t.Error("stage error not recorded")
	}
}

func TestReceiptOutcomesCopied(t *testing.T) {
	r := &Receipt{done: make(chan struct{})}
	r.record(StageOutcome{Stage: "decay_pass"})
	out := r.Outcomes()
	out[0].Stage = "mutated"
	if r.Outcomes()[0].Stage != "decay_pass" {
		t.Error("Outcomes returned internal slice")
	}
}
