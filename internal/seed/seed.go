// Package seed creates development participants and credentials for the
// relay. These helpers are intended for development and testing only.
package seed

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"lectern/internal/models"
	"lectern/internal/relay"

	"github.com/brianvoe/gofakeit/v6"
	"gopkg.in/yaml.v3"
)

// DefaultTokenTTL is how long seeded credentials stay valid.
const DefaultTokenTTL = 24 * time.Hour

// rosterEntry is one participant in a roster file.
type rosterEntry struct {
	ID     string `yaml:"id"`
	Type   string `yaml:"type"`
	Name   string `yaml:"name"`
	Avatar string `yaml:"avatar,omitempty"`
}

type rosterFile struct {
	Participants []rosterEntry `yaml:"participants"`
}

// Credential is a seeded participant with a signed token.
type Credential struct {
	ID        string    `yaml:"id"`
	Type      string    `yaml:"type"`
	Name      string    `yaml:"name"`
	Token     string    `yaml:"token"`
	ExpiresAt time.Time `yaml:"expires_at"`
}

// Participant returns the participant the credential was issued for.
func (c Credential) Participant() models.Participant {
	return models.Participant{ID: c.ID, Type: models.ParticipantType(c.Type), Name: c.Name}
}

func knownType(t models.ParticipantType) bool {
	switch t {
	case models.ParticipantStudent, models.ParticipantLibrarian, models.ParticipantAdmin, models.ParticipantLibrary:
		return true
	}
	return false
}

// ParseRoster decodes a YAML roster:
//
//	participants:
//	  - id: stu-1
//	    type: student
//	    name: Ada
func ParseRoster(raw []byte) ([]models.Participant, error) {
	var doc rosterFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	seen := make(map[string]bool, len(doc.Participants))
	out := make([]models.Participant, 0, len(doc.Participants))
	for i, e := range doc.Participants {
		if e.ID == "" {
			return nil, fmt.Errorf("roster entry %d: id is required", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("roster entry %d: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = true
		t := models.ParticipantType(e.Type)
		if !knownType(t) {
			return nil, fmt.Errorf("roster entry %q: unknown type %q", e.ID, e.Type)
		}
		out = append(out, models.Participant{ID: e.ID, Type: t, Name: e.Name, Avatar: e.Avatar})
	}
	return out, nil
}

// LoadRoster reads a roster file from disk.
func LoadRoster(path string) ([]models.Participant, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return ParseRoster(raw)
}

// FakeParticipants generates n participants. Every fifth one is a
// librarian, the rest are students. The same seed yields the same roster.
func FakeParticipants(n int, seed int64) []models.Participant {
	faker := gofakeit.New(seed)
	out := make([]models.Participant, 0, n)
	for i := range n {
		p := models.Participant{Type: models.ParticipantStudent, Name: faker.Name()}
		prefix := "stu"
		if i%5 == 4 {
			p.Type = models.ParticipantLibrarian
			prefix = "lib"
		}
		p.ID = fmt.Sprintf("%s-%s", prefix, faker.UUID())
		p.Avatar = fmt.Sprintf("https://picsum.photos/seed/%s/96/96", p.ID)
		out = append(out, p)
	}
	return out
}

// Seeder stores participants and signs their credentials.
type Seeder struct {
	store  *relay.Store
	secret string
	ttl    time.Duration
	now    func() time.Time
}

// NewSeeder creates a Seeder. A non-positive ttl uses DefaultTokenTTL.
func NewSeeder(store *relay.Store, secret string, ttl time.Duration) *Seeder {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Seeder{store: store, secret: secret, ttl: ttl, now: time.Now}
}

// Participants upserts every participant and returns a credential for each.
func (s *Seeder) Participants(ctx context.Context, participants []models.Participant) ([]Credential, error) {
	now := s.now()
	out := make([]Credential, 0, len(participants))
	for _, p := range participants {
		if err := s.store.EnsureParticipant(ctx, p); err != nil {
			return nil, err
		}
		token, err := relay.IssueToken(s.secret, p, s.ttl, now)
		if err != nil {
			return nil, fmt.Errorf("issue token for %s: %w", p.ID, err)
		}
		out = append(out, Credential{
			ID:        p.ID,
			Type:      string(p.Type),
			Name:      p.Name,
			Token:     token,
			ExpiresAt: now.Add(s.ttl).UTC().Truncate(time.Second),
		})
	}
	return out, nil
}

// History opens a conversation between a and b and fills it with n
// alternating messages of generated text.
func (s *Seeder) History(ctx context.Context, a, b models.Participant, n int, seed int64) (*models.Conversation, error) {
	conv, err := s.store.GetOrCreateConversation(ctx, a.ID, b.Ref())
	if err != nil {
		return nil, err
	}
	faker := gofakeit.New(seed)
	for i := range n {
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		_, _, err := s.store.SaveMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			Sender:         from.Ref(),
			Recipient:      to.Ref(),
			Content:        faker.Sentence(8),
			Kind:           models.KindText,
		})
		if err != nil {
			return nil, fmt.Errorf("seed message %d: %w", i, err)
		}
	}
	return conv, nil
}

// WriteCredentials prints credentials as YAML so tokens can be copied into
// a client configuration.
func WriteCredentials(w io.Writer, creds []Credential) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string][]Credential{"credentials": creds}); err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	return enc.Close()
}
