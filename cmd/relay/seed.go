package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"lectern/internal/config"
	"lectern/internal/models"
	"lectern/internal/relay"
	"lectern/internal/seed"

	"gorm.io/gorm"
)

// seedParticipants loads the roster file and, outside production, any
// generated participants, then prints their credentials to stdout.
func seedParticipants(cfg *config.RelayConfig, db *gorm.DB, log *slog.Logger, fake int) error {
	var participants []models.Participant
	if cfg.RosterFile != "" {
		roster, err := seed.LoadRoster(cfg.RosterFile)
		if err != nil {
			return err
		}
		participants = append(participants, roster...)
	}
	if fake > 0 {
		if cfg.Env == "production" || cfg.Env == "prod" {
			return errors.New("generated participants are not allowed in production")
		}
		participants = append(participants, seed.FakeParticipants(fake, time.Now().UnixNano())...)
	}
	if len(participants) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	creds, err := seed.NewSeeder(relay.NewStore(db), cfg.JWTSecret, seed.DefaultTokenTTL).Participants(ctx, participants)
	if err != nil {
		return err
	}
	log.Info("Seeded participants", slog.Int("count", len(creds)))
	return seed.WriteCredentials(os.Stdout, creds)
}
