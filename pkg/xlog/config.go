package xlog

// Config controls logger construction.
type Config struct {
	// Level is the minimum level to emit: debug/info/warn/error. Default info.
	Level string `yaml:"level" json:"level" toml:"level"`

	// Format selects the handler: json/text. Default text.
	Format string `yaml:"format" json:"format" toml:"format"`

	// AddSource includes the caller file and line in each record.
	AddSource bool `yaml:"add_source" json:"add_source" toml:"add_source"`

	// Output is the destination: stdout, stderr or a file path. Default stdout.
	// File outputs rotate daily.
	Output string `yaml:"output" json:"output" toml:"output"`

	// MaxAge is how many days of rotated files to keep; 0 keeps everything.
	// Only meaningful for file outputs.
	MaxAge int `yaml:"max_age" json:"max_age" toml:"max_age"`
}

func (c Config) withDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stdout"
	}
	return c
}
