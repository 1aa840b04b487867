package domain

import (
	"database/sql"
	"strings"
)

// Config is a scan configuration: an NVT selector plus preferences.
// The four predefined configs carry fixed RIDs 1-4 and fixed UUIDs;
// PredefinedConfigUUIDs lists them in RID order.
type Config struct {
	RID             int64
	UUID            string
	Owner           sql.NullInt64
	Name            string
	NVTSelectorUUID string
	Comment         string
	FamilyCount     int
	NVTCount        int
	FamiliesGrowing bool
	NVTsGrowing     bool
}

// PredefinedConfigUUIDs are the fixed UUIDs of the four configs seeded
// at rids 1-4, in rid order.
var PredefinedConfigUUIDs = [4]string{
	"daba56c8-73ec-11df-a475-002264764cea",
	"698f691e-7489-11df-9d8c-002264764cea",
	"708f25c4-7489-11df-8094-002264764cea",
	"74db13d6-7489-11df-91b9-002264764cea",
}

// IsPredefined reports whether c is one of the four fixed-rid configs.
func (c *Config) IsPredefined() bool {
	return c.RID >= 1 && c.RID <= 4
}

// ConfigPreferenceType distinguishes general, scanner-side, and
// per-NVT preferences.
type ConfigPreferenceType string

const (
	PreferenceGeneral      ConfigPreferenceType = ""
	PreferenceServerPrefs  ConfigPreferenceType = "SERVER_PREFS"
	PreferencePluginsPrefs ConfigPreferenceType = "PLUGINS_PREFS"
)

// ConfigPreference is one (type, name) -> value override for a config.
type ConfigPreference struct {
	RID       int64
	ConfigRef int64
	Type      ConfigPreferenceType
	Name      string
	Value     string
}

// NVTPreference is a canonical per-NVT default, used as the fallback
// when no ConfigPreference row overrides it.
type NVTPreference struct {
	Name  string
	Value string
}

// scannerSidePreferencesExcludedFromIteration lists the SERVER_PREFS
// names excluded from preference iteration. "server_info_*" is a
// prefix, not a single name.
var scannerSidePreferencesExcludedFromIteration = map[string]bool{
	"cache_folder":            true,
	"include_folders":         true,
	"nasl_no_signature_check": true,
	"ntp_save_sessions":       true,
}

// IncludedInIteration reports whether a scanner-side preference name
// should be surfaced when iterating a config's preferences.
func IncludedInIteration(prefType ConfigPreferenceType, name string) bool {
	if prefType != PreferenceServerPrefs {
		return true
	}
	if strings.HasPrefix(name, "server_info_") {
		return false
	}
	return !scannerSidePreferencesExcludedFromIteration[name]
}
