// Package config holds the device settings records and the Settings set
// that loads and persists them through the flash store.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/micro-nova/bmsnode/internal/nvs"
)

// Canonical store keys.
const (
	KeyStation     = "sta"
	KeyAccessPoint = "ap"
	KeyBMS         = "bms"
	KeyMQTT        = "mqtt"
)

// Keys lists every key a complete settings set occupies.
var Keys = []string{KeyAccessPoint, KeyStation, KeyBMS, KeyMQTT}

// Record is a settings category that lives under its own store key.
type Record interface {
	StoreKey() string
	SetStoreKey(key string)
	// DefaultKey is the canonical key for the record's category.
	DefaultKey() string
}

// Wifi holds radio credentials. Unset fields are nil.
type Wifi struct {
	Key     string  `json:"nvs"`
	SSID    *string `json:"ssid"`
	Pass    *string `json:"pass"`
	Channel *uint8  `json:"channel"`
}

func (w *Wifi) StoreKey() string       { return w.Key }
func (w *Wifi) SetStoreKey(key string) { w.Key = key }

func (w Wifi) clone() Wifi {
	out := Wifi{Key: w.Key}
	if w.SSID != nil {
		v := *w.SSID
		out.SSID = &v
	}
	if w.Pass != nil {
		v := *w.Pass
		out.Pass = &v
	}
	if w.Channel != nil {
		v := *w.Channel
		out.Channel = &v
	}
	return out
}

// Station is the client-side network the device joins.
type Station struct {
	Wifi
}

func (*Station) DefaultKey() string { return KeyStation }

// AccessPoint is the hotspot the device always offers.
type AccessPoint struct {
	Wifi
}

func (*AccessPoint) DefaultKey() string { return KeyAccessPoint }

// BMSSettings is reserved for battery management parameters.
type BMSSettings struct {
	Key string `json:"nvs"`
}

func (b *BMSSettings) StoreKey() string       { return b.Key }
func (b *BMSSettings) SetStoreKey(key string) { b.Key = key }
func (*BMSSettings) DefaultKey() string       { return KeyBMS }

// MQTTSettings configures the telemetry broker connection.
type MQTTSettings struct {
	Key       string `json:"nvs"`
	Address   string `json:"address"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	ClientID  string `json:"client_id"`
	BaseTopic string `json:"base_topic"`
	QoS       uint8  `json:"qos"`
}

func (m *MQTTSettings) StoreKey() string       { return m.Key }
func (m *MQTTSettings) SetStoreKey(key string) { m.Key = key }
func (*MQTTSettings) DefaultKey() string       { return KeyMQTT }

// ReadFromStore decodes the value stored under rec's key into rec.
// A missing key or undecodable value is returned to the caller; defaults
// are never substituted here.
func ReadFromStore(store *nvs.Store, rec Record) error {
	key := rec.StoreKey()
	data, err := store.Get(key)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", key, err)
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return fmt.Errorf("config: decode %q: %w", key, err)
	}
	// The key the record was read from wins over whatever was serialized.
	rec.SetStoreKey(key)
	return nil
}

// WriteToStore serializes rec under its key. A record whose key was never
// assigned is written under its canonical key.
func WriteToStore(store *nvs.Store, rec Record) error {
	if rec.StoreKey() == "" {
		slog.Warn("config: record has no store key, using default", "key", rec.DefaultKey())
		rec.SetStoreKey(rec.DefaultKey())
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("config: encode %q: %w", rec.StoreKey(), err)
	}
	if _, err := store.Put(rec.StoreKey(), data); err != nil {
		if errors.Is(err, nvs.ErrInvalidKey) {
			panic(fmt.Sprintf("config: write with invalid key %q: %v", rec.StoreKey(), err))
		}
		return fmt.Errorf("config: write %q: %w", rec.StoreKey(), err)
	}
	return nil
}
