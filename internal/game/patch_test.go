package game

import "testing"

func TestSessionPatchAppliesOnlyPresentFields(t *testing.T) {
	status := SessionPaused
	node := "node-7"
	base := Session{
		ID:            "session-1",
		Name:          "First Light",
		Status:        SessionActive,
		CurrentNodeID: "node-3",
		MaxPlayers:    4,
	}

	patch := SessionPatch{Status: &status, CurrentNodeID: &node}
	patch.Apply(&base)

	if base.Status != SessionPaused {
		t.Fatalf("expected status paused, got %s", base.Status)
	}
	if base.CurrentNodeID != "node-7" {
		t.Fatalf("expected node-7, got %s", base.CurrentNodeID)
	}
	if base.Name != "First Light" {
		t.Fatalf("absent field must not change, got %q", base.Name)
	}
	if base.MaxPlayers != 4 {
		t.Fatalf("absent field must not change, got %d", base.MaxPlayers)
	}
}

func TestSessionPatchReplacesSlices(t *testing.T) {
	players := []string{"char-a", "char-b"}
	base := Session{PlayerCharacters: []string{"char-z"}}

	patch := SessionPatch{PlayerCharacters: &players}
	patch.Apply(&base)

	if len(base.PlayerCharacters) != 2 || base.PlayerCharacters[0] != "char-a" {
		t.Fatalf("expected slice replacement, got %v", base.PlayerCharacters)
	}

	players[0] = "mutated"
	if base.PlayerCharacters[0] != "char-a" {
		t.Fatalf("patch must copy slices, got %v", base.PlayerCharacters)
	}
}

func TestSessionPatchNilBaseIsNoop(t *testing.T) {
	status := SessionEnded
	patch := SessionPatch{Status: &status}
	patch.Apply(nil)
}

func TestSessionStatusValid(t *testing.T) {
	for _, status := range []SessionStatus{SessionWaiting, SessionActive, SessionPaused, SessionEnded} {
		if !status.Valid() {
			t.Fatalf("expected %s to be valid", status)
		}
	}
	if SessionStatus("completed").Valid() {
		t.Fatal("unknown status must not be valid")
	}
}
