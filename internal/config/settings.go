// Package config provides a storage-backed settings layer: persisted
// toggles read through typed getters with defaults applied when a key is
// unset, the same idiom the engine uses for every other durable value.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"

	"tachyon-engine/internal/storage"
)

// Keys for AppSettings rows in the database.
const (
	KeyEnableControlAPI     = "enable_control_api"
	KeyControlAPIToken      = "control_api_token"
	KeyControlAPIPort       = "control_api_port"
	KeyControlAPIMaxConc    = "control_api_max_concurrent"
	KeyEnableIntegrityCheck = "enable_integrity_check"
	KeyUserAgent            = "user_agent"
	KeyMaxConcurrent        = "max_concurrent_downloads"
	KeyDefaultThreads       = "default_threads"
	KeyGlobalLimitBps       = "global_limit_bps"
	KeyDownloadRoot         = "download_root"
)

// Defaults mirror the values documented for the engine's ambient config.
const (
	DefaultControlAPIPort    = 4444
	DefaultControlAPIMaxConc = 5
	DefaultMaxConcurrent     = 3
	DefaultThreads           = 4
)

type ConfigManager struct {
	storage *storage.Storage
}

func NewConfigManager(s *storage.Storage) *ConfigManager {
	return &ConfigManager{storage: s}
}

func (c *ConfigManager) getInt(key string, def int) int {
	valStr, err := c.storage.GetString(key)
	if err != nil || valStr == "" {
		return def
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return def
	}
	return val
}

func (c *ConfigManager) setInt(key string, v int) error {
	return c.storage.SetString(key, strconv.Itoa(v))
}

func (c *ConfigManager) getBool(key string, def bool) bool {
	val, err := c.storage.GetString(key)
	if err != nil || val == "" {
		return def
	}
	return val == "true"
}

func (c *ConfigManager) setBool(key string, v bool) error {
	val := "false"
	if v {
		val = "true"
	}
	return c.storage.SetString(key, val)
}

func (c *ConfigManager) GetControlAPIPort() int { return c.getInt(KeyControlAPIPort, DefaultControlAPIPort) }
func (c *ConfigManager) SetControlAPIPort(p int) error { return c.setInt(KeyControlAPIPort, p) }

func (c *ConfigManager) GetControlAPIMaxConcurrent() int {
	return c.getInt(KeyControlAPIMaxConc, DefaultControlAPIMaxConc)
}
func (c *ConfigManager) SetControlAPIMaxConcurrent(n int) error {
	return c.setInt(KeyControlAPIMaxConc, n)
}

func (c *ConfigManager) GetEnableControlAPI() bool       { return c.getBool(KeyEnableControlAPI, false) }
func (c *ConfigManager) SetEnableControlAPI(v bool) error { return c.setBool(KeyEnableControlAPI, v) }

func (c *ConfigManager) GetControlAPIToken() string {
	val, err := c.storage.GetString(KeyControlAPIToken)
	if err != nil || val == "" {
		token := generateSecureToken()
		c.storage.SetString(KeyControlAPIToken, token)
		return token
	}
	return val
}

func (c *ConfigManager) GetEnableIntegrityCheck() bool {
	return c.getBool(KeyEnableIntegrityCheck, true)
}
func (c *ConfigManager) SetEnableIntegrityCheck(v bool) error {
	return c.setBool(KeyEnableIntegrityCheck, v)
}

func (c *ConfigManager) GetUserAgent() string {
	val, _ := c.storage.GetString(KeyUserAgent)
	return val
}
func (c *ConfigManager) SetUserAgent(ua string) error { return c.storage.SetString(KeyUserAgent, ua) }

func (c *ConfigManager) GetMaxConcurrent() int {
	return c.getInt(KeyMaxConcurrent, DefaultMaxConcurrent)
}
func (c *ConfigManager) SetMaxConcurrent(n int) error { return c.setInt(KeyMaxConcurrent, n) }

func (c *ConfigManager) GetDefaultThreads() int { return c.getInt(KeyDefaultThreads, DefaultThreads) }
func (c *ConfigManager) SetDefaultThreads(n int) error { return c.setInt(KeyDefaultThreads, n) }

func (c *ConfigManager) GetGlobalLimitBps() int { return c.getInt(KeyGlobalLimitBps, 0) }
func (c *ConfigManager) SetGlobalLimitBps(n int) error { return c.setInt(KeyGlobalLimitBps, n) }

func (c *ConfigManager) GetDownloadRoot() string {
	val, _ := c.storage.GetString(KeyDownloadRoot)
	return val
}
func (c *ConfigManager) SetDownloadRoot(path string) error {
	return c.storage.SetString(KeyDownloadRoot, path)
}

func generateSecureToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "tachyon-engine-fallback-token-change-me"
	}
	return hex.EncodeToString(b)
}

// FactoryReset clears every persisted setting, reverting every getter to
// its default on next read.
func (c *ConfigManager) FactoryReset() error {
	keys := []string{
		KeyEnableControlAPI, KeyControlAPIToken, KeyControlAPIPort, KeyControlAPIMaxConc,
		KeyEnableIntegrityCheck, KeyUserAgent, KeyMaxConcurrent, KeyDefaultThreads,
		KeyGlobalLimitBps, KeyDownloadRoot,
	}
	for _, key := range keys {
		if err := c.storage.SetString(key, ""); err != nil {
			return err
		}
	}
	return nil
}
