package chat

import "testing"

// assertExclusive checks that no user appears under two keys.
func assertExclusive(t *testing.T, r Reactions) {
	t.Helper()
	seen := map[string]string{}
	for key, users := range r {
		if len(users) == 0 {
			t.Errorf("key %q kept with no users", key)
		}
		for _, u := range users {
			if prev, ok := seen[u]; ok {
				t.Errorf("user %q under both %q and %q", u, prev, key)
			}
			seen[u] = key
		}
	}
}

func TestReactions_Toggle(t *testing.T) {
	tests := []struct {
		name   string
		start  Reactions
		user   string
		key    string
		holds  bool
		counts map[string]int
	}{
		{"add", Reactions{}, "u1", "👍", true, map[string]int{"👍": 1}},
		{"same key removes", Reactions{"👍": {"u1"}}, "u1", "👍", false, map[string]int{"👍": 0}},
		{"switch moves", Reactions{"👍": {"u1", "u2"}}, "u1", "❤️", true, map[string]int{"👍": 1, "❤️": 1}},
		{"join existing", Reactions{"👍": {"u2"}}, "u1", "👍", true, map[string]int{"👍": 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.start.Clone()
			if got := r.Toggle(tt.user, tt.key); got != tt.holds {
				t.Errorf("Toggle() = %v, want %v", got, tt.holds)
			}
			for key, want := range tt.counts {
				if got := r.Count(key); got != want {
					t.Errorf("Count(%q) = %d, want %d", key, got, want)
				}
			}
			assertExclusive(t, r)
		})
	}
}

func TestReactions_DoubleToggleIsIdentity(t *testing.T) {
	r := Reactions{"🔥": {"u2"}}
	r.Toggle("u1", "👍")
	r.Toggle("u1", "👍")
	if len(r) != 1 || r.Count("🔥") != 1 || r.KeyOf("u1") != "" {
		t.Fatalf("expected original state back, got %v", r)
	}
}

func TestReactions_CloneIsDeep(t *testing.T) {
	r := Reactions{"👍": {"u1"}}
	c := r.Clone()
	c.Toggle("u2", "👍")
	if r.Count("👍") != 1 {
		t.Fatalf("clone mutated the original: %v", r)
	}
	if c.Count("👍") != 2 || len(c) != 1 {
		t.Errorf("unexpected clone %v", c)
	}
}
