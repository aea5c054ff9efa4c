package config

import "time"

// SentryConfig controls error reporting. Monitoring stays off while DSN is empty.
type SentryConfig struct {
	DSN              string  `json:"dsn"`
	Environment      string  `json:"environment"`
	Release          string  `json:"release"`
	ServerName       string  `json:"server_name"`
	TracesSampleRate float64 `json:"traces_sample_rate"`
	// FlushTimeoutSeconds bounds how long shutdown waits for queued events.
	FlushTimeoutSeconds int `json:"flush_timeout_seconds"`
}

// FlushTimeout returns the shutdown flush window, two seconds by default.
func (c SentryConfig) FlushTimeout() time.Duration {
	if c.FlushTimeoutSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.FlushTimeoutSeconds) * time.Second
}
