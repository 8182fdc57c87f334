package models

// Reaction groups every user that reacted to a message with one emoji.
type Reaction struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
}

// ReactionAggregate is the canonical emoji -> reactors mapping for one message.
// Order follows the first appearance of each emoji.
type ReactionAggregate []Reaction

// Normalize returns a copy with duplicate emojis merged, duplicate users
// removed, and empty groups dropped.
func (a ReactionAggregate) Normalize() ReactionAggregate {
	if len(a) == 0 {
		return nil
	}

	out := make(ReactionAggregate, 0, len(a))
	position := make(map[string]int, len(a))
	for _, group := range a {
		if group.Emoji == "" {
			continue
		}
		idx, ok := position[group.Emoji]
		if !ok {
			idx = len(out)
			position[group.Emoji] = idx
			out = append(out, Reaction{Emoji: group.Emoji})
		}
		for _, user := range group.Users {
			if user == "" || containsString(out[idx].Users, user) {
				continue
			}
			out[idx].Users = append(out[idx].Users, user)
		}
	}

	kept := out[:0]
	for _, group := range out {
		if len(group.Users) > 0 {
			kept = append(kept, group)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// Clone returns a deep copy.
func (a ReactionAggregate) Clone() ReactionAggregate {
	if a == nil {
		return nil
	}
	out := make(ReactionAggregate, len(a))
	for i, group := range a {
		out[i] = Reaction{Emoji: group.Emoji, Users: append([]string(nil), group.Users...)}
	}
	return out
}

// Users returns the reactors for emoji.
func (a ReactionAggregate) Users(emoji string) []string {
	for _, group := range a {
		if group.Emoji == emoji {
			return append([]string(nil), group.Users...)
		}
	}
	return nil
}

// Has reports whether userID reacted with emoji.
func (a ReactionAggregate) Has(emoji, userID string) bool {
	for _, group := range a {
		if group.Emoji == emoji {
			return containsString(group.Users, userID)
		}
	}
	return false
}

// Count returns the number of reactors for emoji.
func (a ReactionAggregate) Count(emoji string) int {
	for _, group := range a {
		if group.Emoji == emoji {
			return len(group.Users)
		}
	}
	return 0
}

// Equal reports whether a and b hold the same groups in the same order.
func (a ReactionAggregate) Equal(b ReactionAggregate) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Emoji != b[i].Emoji || len(a[i].Users) != len(b[i].Users) {
			return false
		}
		for j := range a[i].Users {
			if a[i].Users[j] != b[i].Users[j] {
				return false
			}
		}
	}
	return true
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
