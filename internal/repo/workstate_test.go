package repo

import (
	"testing"
)

func TestLoadWorkStateMissingReturnsNotOK(t *testing.T) {
	dir := initRepo(t)
	takRoot := dir + "/.tak"

	_, ok, err := LoadWorkState(takRoot, "agent-1")
	if err != nil {
		t.Fatalf("LoadWorkState: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for an agent with no saved state")
	}
}

func TestSaveAndLoadWorkStateRoundTrips(t *testing.T) {
	dir := initRepo(t)
	takRoot := dir + "/.tak"

	state := WorkState{Agent: "agent-1", CoordinationVerbosity: VerbosityHigh}
	if err := SaveWorkState(takRoot, state); err != nil {
		t.Fatalf("SaveWorkState: %v", err)
	}

	loaded, ok, err := LoadWorkState(takRoot, "agent-1")
	if err != nil {
		t.Fatalf("LoadWorkState: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true after saving")
	}
	if loaded != state {
		t.Fatalf("got %+v, want %+v", loaded, state)
	}
}

func TestSaveWorkStateRejectsInvalidVerbosity(t *testing.T) {
	dir := initRepo(t)
	takRoot := dir + "/.tak"

	err := SaveWorkState(takRoot, WorkState{Agent: "agent-1", CoordinationVerbosity: "extreme"})
	if err == nil {
		t.Fatalf("expected error for an invalid verbosity level")
	}
}

func TestEffectiveVerbosityPrefersOverrideThenSavedThenDefault(t *testing.T) {
	dir := initRepo(t)
	f, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if got := f.EffectiveVerbosity("agent-1", nil); got != DefaultVerbosity {
		t.Fatalf("got %v, want default", got)
	}

	if err := SaveWorkState(f.Store.Root(), WorkState{Agent: "agent-1", CoordinationVerbosity: VerbosityLow}); err != nil {
		t.Fatalf("SaveWorkState: %v", err)
	}
	if got := f.EffectiveVerbosity("agent-1", nil); got != VerbosityLow {
		t.Fatalf("got %v, want low from saved state", got)
	}

	override := VerbosityHigh
	if got := f.EffectiveVerbosity("agent-1", &override); got != VerbosityHigh {
		t.Fatalf("got %v, want explicit override to win", got)
	}
}

func TestApplyVerbosityLabelSkipsDefaultMediumWithoutOverride(t *testing.T) {
	got := ApplyVerbosityLabel("status update", VerbosityMedium, false)
	if got != "status update" {
		t.Fatalf("got %q", got)
	}
}

func TestApplyVerbosityLabelAddsMarkerWhenNeeded(t *testing.T) {
	got := ApplyVerbosityLabel("status update", VerbosityHigh, false)
	if got != "[verbosity=high] status update" {
		t.Fatalf("got %q", got)
	}

	got = ApplyVerbosityLabel("status update", VerbosityMedium, true)
	if got != "[verbosity=medium] status update" {
		t.Fatalf("got %q", got)
	}
}

func TestApplyVerbosityLabelEmptyMessageStaysEmpty(t *testing.T) {
	if got := ApplyVerbosityLabel("   ", VerbosityHigh, false); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestMaybeAddVerbosityTagSkipsDefaultMediumWithoutOverride(t *testing.T) {
	tags := []string{"coordination"}
	tags = MaybeAddVerbosityTag(tags, VerbosityMedium, false)
	if len(tags) != 1 {
		t.Fatalf("got %v", tags)
	}

	tags = MaybeAddVerbosityTag(tags, VerbosityHigh, false)
	if len(tags) != 2 || tags[1] != "verbosity-high" {
		t.Fatalf("got %v", tags)
	}
}
