package server

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultShutdownTimeout bounds graceful shutdown when none is configured.
const DefaultShutdownTimeout = 10 * time.Second

// Config configures the HTTP host.
//
// Example:
//
//	server:
//	  appName: my-service
//	  host: 0.0.0.0
//	  port: 8080
//	  mode: release
//	  enableMetrics: true
//	  readTimeout: 5s
//	  writeTimeout: 10s
//	  idleTimeout: 60s
type Config struct {
	// AppName identifies the application in logs.
	AppName string `yaml:"appName" json:"appName" toml:"appName"`

	// Host is the bind address. Default "0.0.0.0".
	Host string `yaml:"host" json:"host" toml:"host"`

	// Port is the bind port. Zero binds an ephemeral port; read it back
	// through Server.Endpoint.
	Port int `yaml:"port" json:"port" toml:"port"`

	// Mode is the gin run mode: debug, release or test. Default release.
	Mode string `yaml:"mode" json:"mode" toml:"mode"`

	// EnablePProf mounts the profiler under /debug/pprof.
	EnablePProf bool `yaml:"enablePProf" json:"enablePProf" toml:"enablePProf"`

	// EnableMetrics mounts the prometheus handler at /metrics.
	EnableMetrics bool `yaml:"enableMetrics" json:"enableMetrics" toml:"enableMetrics"`

	// ReadTimeout, WriteTimeout and IdleTimeout are passed to the
	// http.Server. Zero disables the corresponding limit.
	ReadTimeout  time.Duration `yaml:"readTimeout" json:"readTimeout" toml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout" json:"writeTimeout" toml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout" json:"idleTimeout" toml:"idleTimeout"`

	// ShutdownTimeout bounds graceful shutdown in Run. Default 10s.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout" toml:"shutdownTimeout"`
}

// Validate checks the configuration for usability.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Port)
	}
	switch c.Mode {
	case "", gin.DebugMode, gin.ReleaseMode, gin.TestMode:
	default:
		return fmt.Errorf("server: invalid mode %q", c.Mode)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("server: negative timeout")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Mode == "" {
		c.Mode = gin.ReleaseMode
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}
