package logger

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	DefaultLevel  string                  `yaml:"default_level" mapstructure:"default_level" json:"default_level"`
	Timezone      string                  `yaml:"timezone" mapstructure:"timezone" json:"timezone"` // "Local", "UTC" or an IANA name
	Console       *ConsoleOutput          `yaml:"console" mapstructure:"console" json:"console"`
	FileOutput    *FileOutput             `yaml:"file_output" mapstructure:"file_output" json:"file_output"`
	ModuleOutputs map[string]ModuleOutput `yaml:"modules" mapstructure:"modules" json:"modules"`
	ModuleLevels  map[string]string       `yaml:"module_levels" mapstructure:"module_levels" json:"module_levels"`
}

// ConsoleOutput represents console logging configuration. Console output is text.
type ConsoleOutput struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Level   string `yaml:"level" mapstructure:"level" json:"level"`
}

// FileOutput represents the main log file. File output is JSON.
type FileOutput struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Path            string `yaml:"path" mapstructure:"path" json:"path"`
	MaxSize         int    `yaml:"max_size" mapstructure:"max_size" json:"max_size"` // MB before rotation
	MaxAge          int    `yaml:"max_age" mapstructure:"max_age" json:"max_age"`    // days
	MaxRotatedFiles int    `yaml:"max_rotated_files" mapstructure:"max_rotated_files" json:"max_rotated_files"`
	Compress        bool   `yaml:"compress" mapstructure:"compress" json:"compress"`
	Level           string `yaml:"level" mapstructure:"level" json:"level"`
}

// ModuleOutput routes one module to a dedicated file. Zero rotation values
// inherit from FileOutput.
type ModuleOutput struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	FilePath        string `yaml:"file_path" mapstructure:"file_path" json:"file_path"`
	Level           string `yaml:"level" mapstructure:"level" json:"level"`
	ConsoleAlso     bool   `yaml:"console_also" mapstructure:"console_also" json:"console_also"`
	MaxSize         int    `yaml:"max_size" mapstructure:"max_size" json:"max_size"`
	MaxAge          int    `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
	MaxRotatedFiles int    `yaml:"max_rotated_files" mapstructure:"max_rotated_files" json:"max_rotated_files"`
	// Plain writes logfmt text lines instead of JSON.
	Plain bool `yaml:"plain" mapstructure:"plain" json:"plain"`
}

const (
	DefaultLogLevel        = "info"
	DefaultLogPath         = "logs/parkctl.log"
	DefaultFieldBusLogPath = "logs/fieldbus.log"
	DefaultJournalLogPath  = "logs/events.log"
	DefaultMaxSize         = 50
	DefaultMaxAge          = 30
	DefaultMaxRotatedFiles = 10
	DefaultConsoleEnabled  = true
	DefaultFileEnabled     = true
)

// ensureModuleOutput adds a default module output if none is configured.
func ensureModuleOutput(cfg *LoggingConfig, module, filePath string, plain bool) {
	if _, exists := cfg.ModuleOutputs[module]; !exists {
		cfg.ModuleOutputs[module] = ModuleOutput{
			Enabled:  true,
			FilePath: filePath,
			Level:    DefaultLogLevel,
			Plain:    plain,
		}
	}
}

// applyConfigDefaults fills nil sections so a minimal config still logs to
// console and file.
func applyConfigDefaults(cfg *LoggingConfig) {
	if cfg == nil {
		return
	}

	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = DefaultLogLevel
	}

	if cfg.Console == nil {
		cfg.Console = &ConsoleOutput{
			Enabled: DefaultConsoleEnabled,
			Level:   DefaultLogLevel,
		}
	}

	if cfg.FileOutput == nil {
		cfg.FileOutput = &FileOutput{
			Enabled:         DefaultFileEnabled,
			Path:            DefaultLogPath,
			Level:           DefaultLogLevel,
			MaxSize:         DefaultMaxSize,
			MaxAge:          DefaultMaxAge,
			MaxRotatedFiles: DefaultMaxRotatedFiles,
		}
	}

	if cfg.ModuleOutputs == nil {
		cfg.ModuleOutputs = make(map[string]ModuleOutput)
	}

	// Serial traffic is noisy at debug level, keep it out of the main file.
	ensureModuleOutput(cfg, "fieldbus", DefaultFieldBusLogPath, false)
	// The event log is one plain line per parking event.
	ensureModuleOutput(cfg, "journal", DefaultJournalLogPath, true)
}
