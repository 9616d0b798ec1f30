package game

// SessionPatch is the shallow-merge payload carried by a state_update
// broadcast. Only fields present in the payload overwrite the base session;
// absent fields leave it untouched.
type SessionPatch struct {
	Name             *string        `json:"name,omitempty"`
	Status           *SessionStatus `json:"status,omitempty"`
	CurrentNodeID    *string        `json:"currentNodeId,omitempty"`
	PlayerCharacters *[]string      `json:"playerCharacters,omitempty"`
	TurnOrder        *[]string      `json:"turnOrder,omitempty"`
	CurrentTurnIndex *int           `json:"currentTurnIndex,omitempty"`
}

// Apply merges the patch into the session field by field. It is a shallow
// last-write-wins merge; slices are replaced, not appended.
func (p SessionPatch) Apply(s *Session) {
	if s == nil {
		return
	}
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.CurrentNodeID != nil {
		s.CurrentNodeID = *p.CurrentNodeID
	}
	if p.PlayerCharacters != nil {
		s.PlayerCharacters = append([]string(nil), (*p.PlayerCharacters)...)
	}
	if p.TurnOrder != nil {
		s.TurnOrder = append([]string(nil), (*p.TurnOrder)...)
	}
	if p.CurrentTurnIndex != nil {
		s.CurrentTurnIndex = *p.CurrentTurnIndex
	}
}
