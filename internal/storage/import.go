package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"xenlink/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// ProfileFile is the TOML layout accepted by ImportProfiles:
//
//	[[profile]]
//	name = "home"
//	protocol = "wireguard"
//	host = "vpn.example.com"
//	port = 51820
//	[profile.wireguard]
//	addresses = ["10.8.0.2/32"]
//	...
//	[profile.secrets]
//	"wireguard.private_key" = "..."
type ProfileFile struct {
	Profiles []ProfileEntry `toml:"profile"`
}

type ProfileEntry struct {
	models.Profile
	// Secrets maps a secret kind to its plaintext value.
	Secrets map[string]string `toml:"secrets"`
}

type Imported struct {
	Profile *models.Profile
	Secrets map[string]string
	Created bool
}

func ParseProfiles(r io.Reader) ([]ProfileEntry, error) {
	var f ProfileFile
	md, err := toml.NewDecoder(r).Decode(&f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.WithField("keys", undecoded).Warn("Ignoring unknown keys in profile file")
	}

	for i := range f.Profiles {
		p := &f.Profiles[i].Profile
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("profile %d (%q): %w", i+1, p.Name, err)
		}
	}
	return f.Profiles, nil
}

// ImportProfiles creates each profile, or updates the one with the same name.
// Secrets are returned for the caller to hand to the credential store.
func (db *Database) ImportProfiles(ctx context.Context, r io.Reader) ([]Imported, error) {
	entries, err := ParseProfiles(r)
	if err != nil {
		return nil, err
	}

	out := make([]Imported, 0, len(entries))
	for _, e := range entries {
		p := e.Profile
		existing, err := db.ProfileByName(ctx, p.Name)
		switch {
		case err == nil:
			p.ID = existing.ID
			if err := db.UpdateProfile(ctx, &p); err != nil {
				return out, err
			}
			out = append(out, Imported{Profile: &p, Secrets: e.Secrets})
		case errors.Is(err, models.ErrProfileNotFound):
			if _, err := db.CreateProfile(ctx, &p); err != nil {
				return out, err
			}
			out = append(out, Imported{Profile: &p, Secrets: e.Secrets, Created: true})
		default:
			return out, err
		}
	}
	return out, nil
}
