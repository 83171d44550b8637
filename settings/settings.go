// Package settings persists user preferences next to the history ledger.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"msgguard/history"
)

const settingsKey = "settings:v1"

type FontSize string

const (
	FontSmall  FontSize = "small"
	FontMedium FontSize = "medium"
	FontLarge  FontSize = "large"
)

// Guardian is a trusted contact who can be alerted about a suspicious message.
// NotifyURL is a shoutrrr service URL, e.g. telegram://token@telegram?chats=@id.
type Guardian struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	NotifyURL string `json:"notifyUrl"`
}

type Settings struct {
	FontSize            FontSize   `json:"fontSize"`
	Guardians           []Guardian `json:"guardians"`
	PrivacyAgreed       bool       `json:"privacyAgreed"`
	OnboardingCompleted bool       `json:"onboardingCompleted"`
}

var ErrInvalid = errors.New("invalid settings")

func Default() Settings {
	return Settings{FontSize: FontMedium, Guardians: []Guardian{}}
}

// Normalize fills defaults and assigns ids to new guardians.
func (s *Settings) Normalize() {
	s.FontSize = FontSize(strings.ToLower(strings.TrimSpace(string(s.FontSize))))
	if s.FontSize == "" {
		s.FontSize = FontMedium
	}
	if s.Guardians == nil {
		s.Guardians = []Guardian{}
	}
	for i := range s.Guardians {
		g := &s.Guardians[i]
		g.Name = strings.TrimSpace(g.Name)
		g.Phone = strings.TrimSpace(g.Phone)
		g.NotifyURL = strings.TrimSpace(g.NotifyURL)
		if g.ID == "" {
			g.ID = uuid.NewString()
		}
	}
}

func (s Settings) Validate() error {
	switch s.FontSize {
	case FontSmall, FontMedium, FontLarge:
	default:
		return fmt.Errorf("%w: font size %q", ErrInvalid, s.FontSize)
	}
	seen := make(map[string]struct{}, len(s.Guardians))
	for _, g := range s.Guardians {
		if g.Name == "" {
			return fmt.Errorf("%w: guardian %s has no name", ErrInvalid, g.ID)
		}
		if !strings.Contains(g.NotifyURL, "://") {
			return fmt.Errorf("%w: guardian %q needs a notification URL", ErrInvalid, g.Name)
		}
		if _, dup := seen[g.ID]; dup {
			return fmt.Errorf("%w: duplicate guardian id %s", ErrInvalid, g.ID)
		}
		seen[g.ID] = struct{}{}
	}
	return nil
}

// Guardian looks up a guardian by id.
func (s Settings) Guardian(id string) (Guardian, bool) {
	for _, g := range s.Guardians {
		if g.ID == id {
			return g, true
		}
	}
	return Guardian{}, false
}

// Store reads and writes Settings as one JSON record.
type Store struct {
	kv history.KV
	mu sync.Mutex
}

func NewStore(kv history.KV) *Store {
	return &Store{kv: kv}
}

// Load returns the stored settings, or the defaults when none were saved.
func (s *Store) Load(ctx context.Context) (Settings, error) {
	raw, ok, err := s.kv.Get(ctx, settingsKey)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	if !ok {
		return Default(), nil
	}
	var out Settings
	if err := json.Unmarshal(raw, &out); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	out.Normalize()
	return out, nil
}

// Save validates and replaces the stored settings, returning them as stored.
func (s *Store) Save(ctx context.Context, in Settings) (Settings, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return Settings{}, err
	}
	b, err := json.Marshal(in)
	if err != nil {
		return Settings{}, err
	}
	if err := s.kv.Set(ctx, settingsKey, b); err != nil {
		return Settings{}, fmt.Errorf("save settings: %w", err)
	}
	return in, nil
}

// Update applies fn to the current settings and saves the result.
func (s *Store) Update(ctx context.Context, fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.Load(ctx)
	if err != nil {
		return Settings{}, err
	}
	fn(&cur)
	return s.Save(ctx, cur)
}
