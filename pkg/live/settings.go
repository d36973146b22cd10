package live

import "time"

// Settings tunes a live session.
type Settings struct {
	// TextCooldown is the minimum spacing of accepted transcript events.
	TextCooldown time.Duration `mapstructure:"text-cooldown"`
	// VideoCooldown is the minimum spacing of accepted video frames.
	VideoCooldown time.Duration `mapstructure:"video-cooldown"`
	// SettleDelay separates a redirect from the new persona's first words.
	SettleDelay  time.Duration `mapstructure:"settle-delay"`
	ReadLimit    int64         `mapstructure:"read-limit"`
	WriteTimeout time.Duration `mapstructure:"write-timeout"`
}

func DefaultSettings() Settings {
	return Settings{
		TextCooldown:  2 * time.Second,
		VideoCooldown: 5 * time.Second,
		SettleDelay:   2 * time.Second,
		ReadLimit:     8 << 20,
		WriteTimeout:  10 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.TextCooldown <= 0 {
		s.TextCooldown = d.TextCooldown
	}
	if s.VideoCooldown <= 0 {
		s.VideoCooldown = d.VideoCooldown
	}
	if s.SettleDelay <= 0 {
		s.SettleDelay = d.SettleDelay
	}
	if s.ReadLimit <= 0 {
		s.ReadLimit = d.ReadLimit
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = d.WriteTimeout
	}
	return s
}
