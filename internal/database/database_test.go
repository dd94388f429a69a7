package database

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func TestIsPostgres(t *testing.T) {
	tests := []struct {
		dsn  string
		want bool
	}{
		{"postgres://lectern:pw@db:5432/lectern?sslmode=disable", true},
		{"postgresql://db/lectern", true},
		{"host=db user=lectern dbname=lectern sslmode=disable", true},
		{"file:lectern.db?cache=shared", false},
		{":memory:", false},
		{"/var/lib/lectern/lectern.db", false},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPostgres(tt.dsn))
			name := Dialector(tt.dsn).Name()
			if tt.want {
				assert.Equal(t, "postgres", name)
			} else {
				assert.Equal(t, "sqlite", name)
			}
		})
	}
}

type widget struct {
	ID   uint
	Name string
}

func TestConnect_MigratesOutsideProduction(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "dev.db")
	db, err := Connect(dsn, "development", slog.New(slog.DiscardHandler), &widget{})
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable(&widget{}))

	require.NoError(t, db.Create(&widget{Name: "sprocket"}).Error)
	var got widget
	require.NoError(t, db.First(&got).Error)
	assert.Equal(t, "sprocket", got.Name)
}

func TestConnect_SkipsMigrationInProduction(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "prod.db")
	db, err := Connect(dsn, "production", slog.New(slog.DiscardHandler), &widget{})
	require.NoError(t, err)
	assert.False(t, db.Migrator().HasTable(&widget{}))
}

func TestSlogGormLogger_LogMode(t *testing.T) {
	l := NewSlogGormLogger(slog.New(slog.DiscardHandler))
	silent := l.LogMode(logger.Silent).(*SlogGormLogger)
	assert.Equal(t, logger.Silent, silent.Config.LogLevel)
	assert.NotEqual(t, logger.Silent, l.Config.LogLevel, "LogMode returns a copy")

	// Tracing never panics on a failed query or a slow one.
	l.Trace(context.Background(), time.Now().Add(-time.Second), func() (string, int64) { return "SELECT 1", 1 }, nil)
	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 0 }, assert.AnError)
}
