package engine

import (
	"lectern/internal/config"
	"lectern/internal/featureflags"
	"lectern/internal/media"
	"lectern/internal/models"
)

// FromConfig derives engine options from the client configuration. Callers
// add Logger, Metrics and the session hooks they need.
func FromConfig(cfg *config.ClientConfig, local models.Participant, tr Transport, records Records) Options {
	return Options{
		Local:     local,
		Transport: tr,
		Records:   records,
		Media: media.Config{
			ICEServers:      media.ICEServers(cfg.STUNURL, cfg.TURNURL, cfg.TURNUsername, cfg.TURNPassword),
			AudioCodec:      media.DefaultAudioCodec,
			MaxAudioBitrate: cfg.AudioMaxBitrate,
		},
		Flags:       featureflags.NewManager(cfg.FeatureFlags),
		PageSize:    cfg.PageSize,
		AckTimeout:  cfg.AckTimeout(),
		RingTimeout: cfg.RingTimeout(),
	}
}
