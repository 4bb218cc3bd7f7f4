package chat

// Reactions maps a reaction key (usually an emoji) to the users who chose it.
// A user appears under at most one key; the count of a key is len(users).
type Reactions map[string][]string

// Toggle applies the toggle rule for userID and key: choosing the same key
// again removes the reaction, choosing a different key moves the user.
// It reports whether the user now holds key.
func (r Reactions) Toggle(userID, key string) bool {
	prev := r.KeyOf(userID)
	r.Remove(userID)
	if prev == key {
		return false
	}
	r[key] = append(r[key], userID)
	return true
}

// Remove drops userID from whichever key it holds and reports whether
// anything changed.
func (r Reactions) Remove(userID string) bool {
	removed := false
	for key, users := range r {
		kept := users[:0:0]
		for _, u := range users {
			if u == userID {
				removed = true
				continue
			}
			kept = append(kept, u)
		}
		if len(kept) == 0 {
			delete(r, key)
		} else {
			r[key] = kept
		}
	}
	return removed
}

// KeyOf returns the key userID currently holds, or "".
func (r Reactions) KeyOf(userID string) string {
	for key, users := range r {
		for _, u := range users {
			if u == userID {
				return key
			}
		}
	}
	return ""
}

// Count returns the number of users holding key.
func (r Reactions) Count(key string) int { return len(r[key]) }

// Clone returns a deep copy.
func (r Reactions) Clone() Reactions {
	out := make(Reactions, len(r))
	for k, users := range r {
		out[k] = append([]string(nil), users...)
	}
	return out
}
