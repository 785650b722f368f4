package webmonitor

import (
	"time"
)

// Config defines the runtime configuration for the viewer server.
type Config struct {
	Addr           string        `yaml:"addr"`
	JPEGQuality    int           `yaml:"jpeg_quality"`
	TileSize       int           `yaml:"tile_size"`
	MosaicColumns  int           `yaml:"mosaic_columns"`
	StatusInterval time.Duration `yaml:"status_interval"`
	BlankAfter     time.Duration `yaml:"blank_after"`
}

// DefaultConfig returns the viewer defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		JPEGQuality:    75,
		TileSize:       192,
		MosaicColumns:  3,
		StatusInterval: 2 * time.Second,
		BlankAfter:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.JPEGQuality <= 0 {
		c.JPEGQuality = def.JPEGQuality
	}
	if c.TileSize <= 0 {
		c.TileSize = def.TileSize
	}
	if c.MosaicColumns <= 0 {
		c.MosaicColumns = def.MosaicColumns
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = def.StatusInterval
	}
	if c.BlankAfter <= 0 {
		c.BlankAfter = def.BlankAfter
	}
	return c
}
