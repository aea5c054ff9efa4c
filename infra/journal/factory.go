// Package journal provides durable journal backends: SQLite and rotating
// JSONL files. Importing it registers the "sqlite" and "jsonl" types.
package journal

import (
	"fmt"

	"github.com/kilianp07/lastmile/core/factory"
	corejournal "github.com/kilianp07/lastmile/core/journal"
)

func init() {
	_ = corejournal.RegisterStore("sqlite", func(conf map[string]any) (corejournal.Store, error) {
		var c struct {
			Path string `json:"path"`
		}
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		if c.Path == "" {
			return nil, fmt.Errorf("journal: sqlite path is required")
		}
		return NewSQLiteStore(c.Path)
	})
	_ = corejournal.RegisterStore("jsonl", func(conf map[string]any) (corejournal.Store, error) {
		var c struct {
			Path       string `json:"path"`
			MaxSizeMB  int    `json:"max_size_mb"`
			MaxBackups int    `json:"max_backups"`
			MaxAgeDays int    `json:"max_age_days"`
		}
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		if c.Path == "" {
			c.Path = "dispatch.jsonl"
		}
		return NewRotatingJSONLStore(c.Path, c.MaxSizeMB, c.MaxBackups, c.MaxAgeDays)
	})
}
