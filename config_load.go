package main

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pelletier/go-toml"
)

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		path = "config.toml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("configuration file missing: %s", path)
		}
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := finalizeConfig(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func finalizeConfig(cfg *Config) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	if cfg.InstanceID == 0 {
		cfg.InstanceID = randomInstanceID()
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if !strings.EqualFold(cfg.Coin.Algorithm, "sha256") {
		return fmt.Errorf("unsupported algorithm %q (only sha256)", cfg.Coin.Algorithm)
	}
	if strings.TrimSpace(cfg.Address) == "" {
		return fmt.Errorf("pool address is required")
	}
	if len(cfg.Daemons) == 0 {
		return fmt.Errorf("at least one daemon is required")
	}
	if len(cfg.Ports) == 0 {
		return fmt.Errorf("at least one stratum port is required")
	}
	for portStr := range cfg.Ports {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid stratum port %q", portStr)
		}
	}
	if cfg.VersionMask != "" {
		if _, err := parseVersionMask(cfg.VersionMask); err != nil {
			return err
		}
	}
	if cfg.P2P.Enabled && cfg.Coin.PeerMagic == "" {
		return fmt.Errorf("p2p enabled but coin.peer_magic not configured")
	}
	reward := strings.ToUpper(strings.TrimSpace(cfg.Coin.Reward))
	if reward != "" && reward != "POW" && reward != "POS" {
		return fmt.Errorf("coin.reward must be POW or POS, got %q", cfg.Coin.Reward)
	}
	return nil
}

func parseVersionMask(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid version_mask %q", s)
	}
	return uint32(v), nil
}

func (c *Config) versionMask() uint32 {
	if c.VersionMask == "" {
		return defaultVersionMask
	}
	v, err := parseVersionMask(c.VersionMask)
	if err != nil {
		return defaultVersionMask
	}
	return v
}

func (c *Config) peerMagic() string {
	if c.Testnet && c.Coin.PeerMagicTestnet != "" {
		return c.Coin.PeerMagicTestnet
	}
	return c.Coin.PeerMagic
}

func (c *Config) chainParams() *chaincfg.Params {
	if c.Testnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

func (c *Config) rewardType() rewardType {
	if strings.EqualFold(strings.TrimSpace(c.Coin.Reward), "POS") {
		return rewardPOS
	}
	return rewardPOW
}

func randomInstanceID() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	id := binary.BigEndian.Uint32(buf[:])
	if id == 0 {
		id = 1
	}
	return id
}
