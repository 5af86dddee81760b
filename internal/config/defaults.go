package config

// Station credentials baked in at build time, e.g.
//
//	go build -ldflags "-X github.com/micro-nova/bmsnode/internal/config.DefaultStationSSID=home"
//
// Left empty the device boots as an access point only.
var (
	DefaultStationSSID string
	DefaultStationPass string
)

const (
	DefaultAPSSID    = "bmsnode"
	DefaultAPPass    = "bmsnode-setup"
	DefaultAPChannel = 1

	DefaultMQTTClientID  = "bmsnode"
	DefaultMQTTBaseTopic = "bms"
)

// Defaults returns a settings snapshot with canonical keys and default values.
func Defaults() Snapshot {
	apSSID, apPass := DefaultAPSSID, DefaultAPPass
	channel := uint8(DefaultAPChannel)

	snap := Snapshot{
		Station: Station{Wifi{Key: KeyStation}},
		AccessPoint: AccessPoint{Wifi{
			Key:     KeyAccessPoint,
			SSID:    &apSSID,
			Pass:    &apPass,
			Channel: &channel,
		}},
		BMS: BMSSettings{Key: KeyBMS},
		MQTT: MQTTSettings{
			Key:       KeyMQTT,
			ClientID:  DefaultMQTTClientID,
			BaseTopic: DefaultMQTTBaseTopic,
		},
	}
	if DefaultStationSSID != "" {
		ssid, pass := DefaultStationSSID, DefaultStationPass
		snap.Station.SSID = &ssid
		snap.Station.Pass = &pass
	}
	return snap
}
