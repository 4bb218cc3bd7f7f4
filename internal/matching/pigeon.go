// Package matching is the matchmaker: it releases pigeons, lists the ones a
// viewer may catch, and turns a catch into a new or reused two-party chat.
package matching

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Zone scopes who can see a pigeon.
type Zone string

const (
	ZoneLocal         Zone = "local"
	ZoneInternational Zone = "international"
	ZoneRandom        Zone = "random"
)

// Color is the cosmetic color of a pigeon.
type Color string

const (
	ColorBlack Color = "black"
	ColorWhite Color = "white"
	ColorBrown Color = "brown"
)

// Status of a stored pigeon. Caught pigeons are deleted, so only
// StatusCatchable is ever persisted; StatusExpired is derived from ExpiresAt.
type Status string

const (
	StatusCatchable Status = "catchable"
	StatusCaught    Status = "caught"
	StatusExpired   Status = "expired"
)

const (
	// PigeonTTL is how long a released pigeon stays catchable.
	PigeonTTL = 24 * time.Hour

	// MaxContentChars bounds pigeon content.
	MaxContentChars = 500

	// SnapshotChars is the longest chat preview taken from pigeon content.
	SnapshotChars = 50

	// ListLimit caps a listCatchable response; fetchLimit is what the
	// repository is asked for so partner filtering has room to drop rows.
	ListLimit  = 20
	fetchLimit = 50
)

// Pigeon is an anonymous, location-scoped, time-limited drop.
type Pigeon struct {
	ID           string    `json:"id"`
	SenderID     string    `json:"senderId,omitempty"`
	Zone         Zone      `json:"zone"`
	CountryCode  string    `json:"countryCode,omitempty"`
	DistrictCode string    `json:"districtCode,omitempty"`
	Color        Color     `json:"color"`
	Content      string    `json:"content"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Expired reports whether the pigeon's lifetime has passed at now.
func (p *Pigeon) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Summary returns the pigeon as shown to catchers, without its sender.
func (p Pigeon) Summary() Pigeon {
	p.SenderID = ""
	return p
}

// ReleaseInput is what a sender supplies when releasing a pigeon.
type ReleaseInput struct {
	Zone         Zone   `json:"zone"`
	CountryCode  string `json:"countryCode"`
	DistrictCode string `json:"districtCode"`
	Color        Color  `json:"color"`
	Content      string `json:"content"`
}

// Filter is the viewer's declared location and zone preference.
type Filter struct {
	Zone         Zone
	CountryCode  string
	DistrictCode string
}

// Normalize upper-cases location codes and trims whitespace.
func (f Filter) Normalize() Filter {
	f.Zone = Zone(strings.ToLower(strings.TrimSpace(string(f.Zone))))
	f.CountryCode = normalizeCode(f.CountryCode)
	f.DistrictCode = normalizeCode(f.DistrictCode)
	return f
}

// Narrows reports whether the filter restricts results to a single zone.
func (f Filter) Narrows() bool {
	return f.Zone == ZoneLocal || f.Zone == ZoneInternational
}

// Matches applies the location filter to p. A local pigeon needs a viewer in
// the same country, and in the same district when both declare one.
func (f Filter) Matches(p *Pigeon) bool {
	if f.Narrows() && p.Zone != f.Zone {
		return false
	}
	if p.Zone != ZoneLocal {
		return true
	}
	if f.CountryCode == "" || p.CountryCode != f.CountryCode {
		return false
	}
	if p.DistrictCode != "" && f.DistrictCode != "" && p.DistrictCode != f.DistrictCode {
		return false
	}
	return true
}

// Snapshot returns content shortened for a chat preview: at most
// SnapshotChars runes, ending in "..." when cut.
func Snapshot(content string) string {
	if utf8.RuneCountInString(content) <= SnapshotChars {
		return content
	}
	runes := []rune(content)
	return string(runes[:SnapshotChars-3]) + "..."
}

func normalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func validZone(z Zone) bool {
	switch z {
	case ZoneLocal, ZoneInternational, ZoneRandom:
		return true
	}
	return false
}

func validColor(c Color) bool {
	switch c {
	case ColorBlack, ColorWhite, ColorBrown:
		return true
	}
	return false
}

// lessPigeon orders newest first, ties broken by id.
func lessPigeon(a, b *Pigeon) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}
