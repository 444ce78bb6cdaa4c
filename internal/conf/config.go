// config.go: settings model and viper loading for parkctl
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/parkctl/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// Node roles
const (
	RoleGround  = "ground"
	RoleFloor   = "floor"
	RoleCentral = "central"
)

// NodeSettings identifies this controller.
type NodeSettings struct {
	Name  string `yaml:"name"`
	Role  string `yaml:"role"`  // ground, floor or central
	Floor int    `yaml:"floor"` // 0 for ground, 1..n for upper floors
}

// FloorCapacity is one row of the canonical capacity table.
type FloorCapacity struct {
	Floor    int `yaml:"floor"`
	PCD      int `yaml:"pcd"`
	Elderly  int `yaml:"elderly"`
	Regular  int `yaml:"regular"`
	MuxLines int `yaml:"muxlines"`
}

// Slots returns the total slot count of the floor.
func (f FloorCapacity) Slots() int {
	return f.PCD + f.Elderly + f.Regular
}

// FacilitySettings holds the capacity table and tariff.
type FacilitySettings struct {
	Floors   []FloorCapacity `yaml:"floors"`
	UnitRate float64         `yaml:"unitrate"` // currency units per started minute
}

// Floor returns the capacity row for floor n.
func (f *FacilitySettings) Floor(n int) (FloorCapacity, bool) {
	for _, fc := range f.Floors {
		if fc.Floor == n {
			return fc, true
		}
	}
	return FloorCapacity{}, false
}

// TotalSlots is the facility capacity with every floor open.
func (f *FacilitySettings) TotalSlots() int {
	total := 0
	for _, fc := range f.Floors {
		total += fc.Slots()
	}
	return total
}

// FieldBusSettings configures the serial line shared by cameras and sign board.
type FieldBusSettings struct {
	Enabled        bool            `yaml:"enabled"`
	Port           string          `yaml:"port"`
	Baud           int             `yaml:"baud"`
	SiteTag        string          `yaml:"sitetag"` // 4 ASCII bytes appended to every request
	ResponseWindow time.Duration   `yaml:"responsewindow"`
	RetryDelays    []time.Duration `yaml:"retrydelays"`
	EntryCamera    uint8           `yaml:"entrycamera"`
	ExitCamera     uint8           `yaml:"exitcamera"`
	SignBoard      uint8           `yaml:"signboard"`
}

// CaptureSettings configures plate capture sequencing.
type CaptureSettings struct {
	PollInterval time.Duration `yaml:"pollinterval"`
	Deadline     time.Duration `yaml:"deadline"`
}

// ScanSettings configures the multiplexed slot scan.
type ScanSettings struct {
	Settle   time.Duration `yaml:"settle"`   // after selecting a mux address
	Interval time.Duration `yaml:"interval"` // between full scans
	Passage  time.Duration `yaml:"passage"`  // passage sensor poll
}

// GatePins are the BCM lines of one barrier.
type GatePins struct {
	OpenSensor  int `yaml:"opensensor"`
	CloseSensor int `yaml:"closesensor"`
	Motor       int `yaml:"motor"`
}

// PassagePins are the two beams between floors.
type PassagePins struct {
	Sensor1 int `yaml:"sensor1"`
	Sensor2 int `yaml:"sensor2"`
}

// GPIOSettings maps logical lines to BCM numbers for this node.
type GPIOSettings struct {
	Simulate  bool          `yaml:"simulate"`
	SysfsRoot string        `yaml:"sysfsroot"`
	Address   []int         `yaml:"address"`
	Sense     int           `yaml:"sense"`
	FullLamp  int           `yaml:"fulllamp"` // -1 when absent
	EntryGate GatePins      `yaml:"entrygate"`
	ExitGate  GatePins      `yaml:"exitgate"`
	Passage   PassagePins   `yaml:"passage"`
	Poll      time.Duration `yaml:"poll"`
}

// SyncSettings configures the node/central snapshot link.
type SyncSettings struct {
	Central        string        `yaml:"central"` // host:port nodes dial
	Listen         string        `yaml:"listen"`  // central listen address
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	BackoffInitial time.Duration `yaml:"backoffinitial"`
	BackoffMax     time.Duration `yaml:"backoffmax"`
	MaxAttempts    int           `yaml:"maxattempts"`
	Cooldown       time.Duration `yaml:"cooldown"`
}

// LedgerSettings configures admission and table limits.
type LedgerSettings struct {
	ConfidenceThreshold int           `yaml:"confidencethreshold"`
	MaxTickets          int           `yaml:"maxtickets"`
	MaxAlerts           int           `yaml:"maxalerts"`
	CaptureTTL          time.Duration `yaml:"capturettl"` // how long a gate capture waits for its slot entry
}

// JournalSettings configures the append-only event database.
type JournalSettings struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"` // sqlite or mysql
	Path    string `yaml:"path"`   // sqlite file
	DSN     string `yaml:"dsn"`    // mysql dsn
}

// MQTTSettings configures the MQTT bridge.
type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Retain   bool   `yaml:"retain"`
}

// TelemetrySettings configures the Prometheus endpoint and node heartbeat.
type TelemetrySettings struct {
	Enabled   bool          `yaml:"enabled"`
	Listen    string        `yaml:"listen"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// NotificationSettings configures operator alert delivery.
type NotificationSettings struct {
	Enabled bool          `yaml:"enabled"`
	URLs    []string      `yaml:"urls"` // shoutrrr service URLs
	Timeout time.Duration `yaml:"timeout"`
	MinGap  time.Duration `yaml:"mingap"` // per alert kind
}

// SentrySettings configures error reporting.
type SentrySettings struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Settings contains all configuration options for parkctl.
type Settings struct {
	Debug   bool   `yaml:"debug"`
	Version string `yaml:"-"`

	Node         NodeSettings         `yaml:"node"`
	Facility     FacilitySettings     `yaml:"facility"`
	FieldBus     FieldBusSettings     `yaml:"fieldbus"`
	Capture      CaptureSettings      `yaml:"capture"`
	Scan         ScanSettings         `yaml:"scan"`
	GPIO         GPIOSettings         `yaml:"gpio"`
	Sync         SyncSettings         `yaml:"sync"`
	Ledger       LedgerSettings       `yaml:"ledger"`
	Journal      JournalSettings      `yaml:"journal"`
	MQTT         MQTTSettings         `yaml:"mqtt"`
	Telemetry    TelemetrySettings    `yaml:"telemetry"`
	Notification NotificationSettings `yaml:"notification"`
	Sentry       SentrySettings       `yaml:"sentry"`
	Logging      logger.LoggingConfig `yaml:"logging"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
	once             sync.Once
)

// Load reads the configuration file and environment variables into a new Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper sets defaults and reads the configuration file, writing the
// embedded default on first run.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("PARKCTL")
	viper.AutomaticEnv()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		configPaths, err := GetDefaultConfigPaths()
		if err != nil {
			return fmt.Errorf("error getting default config paths: %w", err)
		}
		for _, path := range configPaths {
			viper.AddConfigPath(path)
		}
	}

	setDefaultConfig(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the embedded config.yaml to the first default path.
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")

	defaultConfig, err := getDefaultConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(configPath, defaultConfig, 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

func getDefaultConfig() ([]byte, error) {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("error reading embedded config: %w", err)
	}
	return data, nil
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the current settings, loading them on first use.
func Setting() *Settings {
	once.Do(func() {
		if GetSettings() == nil {
			if _, err := Load(); err != nil {
				fmt.Fprintf(os.Stderr, "error loading settings: %v\n", err)
				os.Exit(1)
			}
		}
	})
	return GetSettings()
}

// SaveYAMLConfig writes settings to configPath through a temp file and rename.
// Comments in the existing file are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}
