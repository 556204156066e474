// Package profile holds the local user's identity: a stable id, a display
// name and a palette color.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// GuestName is shown for users who never set a name.
const GuestName = "Guest"

// Color is one entry of the shared palette.
type Color struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Palette lists the colors a profile may pick. Unknown ids render as the
// first entry.
var Palette = []Color{
	{ID: "berry", Label: "Berry"},
	{ID: "mint", Label: "Mint"},
	{ID: "sunrise", Label: "Sunrise"},
	{ID: "ocean", Label: "Ocean"},
	{ID: "orchid", Label: "Orchid"},
	{ID: "charcoal", Label: "Charcoal"},
}

var (
	ErrIncomplete   = errors.New("profile requires id, name and colorId")
	ErrUnknownColor = errors.New("unknown color")
)

// ColorByID returns the palette entry for id, or the first entry.
func ColorByID(id string) Color {
	for _, c := range Palette {
		if c.ID == id {
			return c
		}
	}
	return Palette[0]
}

func knownColor(id string) bool {
	for _, c := range Palette {
		if c.ID == id {
			return true
		}
	}
	return false
}

type Profile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	ColorID string `json:"colorId"`
}

// Complete reports whether every field is set.
func (p Profile) Complete() bool {
	return p.ID != "" && p.Name != "" && p.ColorID != ""
}

// Default returns a fresh guest profile with a random palette color.
func Default() Profile {
	return Profile{
		ID:      uuid.NewString(),
		Name:    GuestName,
		ColorID: Palette[rand.IntN(len(Palette))].ID,
	}
}

// Decode parses a stored profile. Anything that is not a complete profile
// is an error.
func Decode(raw []byte) (Profile, error) {
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	if !p.Complete() {
		return Profile{}, ErrIncomplete
	}
	return p, nil
}

// Rename returns p with a new display name. A blank name becomes GuestName.
func (p Profile) Rename(name string) Profile {
	p.Name = strings.TrimSpace(name)
	if p.Name == "" {
		p.Name = GuestName
	}
	return p
}

// Recolor returns p with a new palette color.
func (p Profile) Recolor(id string) (Profile, error) {
	if !knownColor(id) {
		return p, fmt.Errorf("%w: %q", ErrUnknownColor, id)
	}
	p.ColorID = id
	return p, nil
}
