// Package types provides configuration types for the trading agent.
package types

import "time"

// ServerConfig represents server configuration
type ServerConfig struct {
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	WebSocketPath  string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout    time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	AllowedOrigins []string      `json:"allowedOrigins" mapstructure:"allowed_origins"`
	EnableMetrics  bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
}
