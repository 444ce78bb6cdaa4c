// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default capacity table; total 20 slots.
var defaultFloors = []map[string]any{
	{"floor": 0, "pcd": 1, "elderly": 1, "regular": 2, "muxlines": 2},
	{"floor": 1, "pcd": 1, "elderly": 2, "regular": 5, "muxlines": 3},
	{"floor": 2, "pcd": 1, "elderly": 2, "regular": 5, "muxlines": 3},
}

// setDefaultConfig sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("node.name", "parkctl")
	v.SetDefault("node.role", RoleGround)
	v.SetDefault("node.floor", 0)

	v.SetDefault("facility.floors", defaultFloors)
	v.SetDefault("facility.unitrate", 0.15)

	v.SetDefault("fieldbus.enabled", true)
	v.SetDefault("fieldbus.port", "/dev/serial0")
	v.SetDefault("fieldbus.baud", 115200)
	v.SetDefault("fieldbus.sitetag", "7700")
	v.SetDefault("fieldbus.responsewindow", 500*time.Millisecond)
	v.SetDefault("fieldbus.retrydelays", []string{"100ms", "250ms", "500ms"})
	v.SetDefault("fieldbus.entrycamera", 0x11)
	v.SetDefault("fieldbus.exitcamera", 0x12)
	v.SetDefault("fieldbus.signboard", 0x20)

	v.SetDefault("capture.pollinterval", 100*time.Millisecond)
	v.SetDefault("capture.deadline", 2*time.Second)

	v.SetDefault("scan.settle", 50*time.Millisecond)
	v.SetDefault("scan.interval", 100*time.Millisecond)
	v.SetDefault("scan.passage", 50*time.Millisecond)

	v.SetDefault("gpio.simulate", false)
	v.SetDefault("gpio.sysfsroot", "/sys/class/gpio")
	v.SetDefault("gpio.address", []int{17, 18, 4})
	v.SetDefault("gpio.sense", 8)
	v.SetDefault("gpio.fulllamp", 27)
	v.SetDefault("gpio.entrygate.opensensor", 7)
	v.SetDefault("gpio.entrygate.closesensor", 1)
	v.SetDefault("gpio.entrygate.motor", 23)
	v.SetDefault("gpio.exitgate.opensensor", 12)
	v.SetDefault("gpio.exitgate.closesensor", 25)
	v.SetDefault("gpio.exitgate.motor", 24)
	v.SetDefault("gpio.passage.sensor1", 22)
	v.SetDefault("gpio.passage.sensor2", 11)
	v.SetDefault("gpio.poll", 10*time.Millisecond)

	v.SetDefault("sync.central", "127.0.0.1:10681")
	v.SetDefault("sync.listen", ":10681")
	v.SetDefault("sync.interval", time.Second)
	v.SetDefault("sync.timeout", 3*time.Second)
	v.SetDefault("sync.backoffinitial", 500*time.Millisecond)
	v.SetDefault("sync.backoffmax", 8*time.Second)
	v.SetDefault("sync.maxattempts", 10)
	v.SetDefault("sync.cooldown", time.Minute)

	v.SetDefault("ledger.confidencethreshold", 70)
	v.SetDefault("ledger.maxtickets", 100)
	v.SetDefault("ledger.maxalerts", 50)
	v.SetDefault("ledger.capturettl", 2*time.Minute)

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.driver", "sqlite")
	v.SetDefault("journal.path", "parkctl.db")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "parkctl")
	v.SetDefault("mqtt.retain", false)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.listen", "0.0.0.0:8090")
	v.SetDefault("telemetry.heartbeat", 30*time.Second)

	v.SetDefault("notification.enabled", false)
	v.SetDefault("notification.timeout", 10*time.Second)
	v.SetDefault("notification.mingap", time.Minute)

	v.SetDefault("sentry.enabled", false)

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", true)
	v.SetDefault("logging.file_output.path", "logs/parkctl.log")
	v.SetDefault("logging.file_output.level", "info")
	v.SetDefault("logging.file_output.max_size", 50)
	v.SetDefault("logging.file_output.max_age", 30)
	v.SetDefault("logging.file_output.max_rotated_files", 10)
}

// Defaults returns settings built from defaults alone, without reading any
// file. Tests and the simulator start from it.
func Defaults() (*Settings, error) {
	v := viper.New()
	setDefaultConfig(v)
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, err
	}
	return settings, nil
}
