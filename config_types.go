package main

import "time"

// CoinConfig describes the coin being mined. Only SHA-256 proof of work is
// supported; Reward selects the POW or POS coinbase layout.
type CoinConfig struct {
	Name             string `toml:"name"`
	Symbol           string `toml:"symbol"`
	Algorithm        string `toml:"algorithm"`
	Asicboost        bool   `toml:"asicboost"`
	Reward           string `toml:"reward"`
	TxMessages       bool   `toml:"tx_messages"`
	PeerMagic        string `toml:"peer_magic"`
	PeerMagicTestnet string `toml:"peer_magic_testnet"`
	HasGetInfo       bool   `toml:"has_get_info"`
}

type VarDiffOptions struct {
	MinDiff         float64 `toml:"min_diff"`
	MaxDiff         float64 `toml:"max_diff"`
	TargetTime      float64 `toml:"target_time"`
	RetargetTime    float64 `toml:"retarget_time"`
	VariancePercent float64 `toml:"variance_percent"`
	X2Mode          bool    `toml:"x2mode"`
}

type PortConfig struct {
	Diff    float64         `toml:"diff"`
	VarDiff *VarDiffOptions `toml:"vardiff"`
}

type DaemonConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	User string `toml:"user"`
	Pass string `toml:"pass"`
}

type P2PConfig struct {
	Enabled             bool   `toml:"enabled"`
	Host                string `toml:"host"`
	Port                int    `toml:"port"`
	DisableTransactions bool   `toml:"disable_transactions"`
}

type BanningConfig struct {
	Enabled        bool    `toml:"enabled"`
	Time           int     `toml:"time"`
	InvalidPercent float64 `toml:"invalid_percent"`
	CheckThreshold int     `toml:"check_threshold"`
	PurgeInterval  int     `toml:"purge_interval"`
}

type Config struct {
	Coin             CoinConfig            `toml:"coin"`
	Address          string                `toml:"address"`
	RewardRecipients map[string]float64    `toml:"reward_recipients"`
	Ports            map[string]PortConfig `toml:"ports"`
	Daemons          []DaemonConfig        `toml:"daemons"`
	P2P              P2PConfig             `toml:"p2p"`
	Banning          BanningConfig         `toml:"banning"`

	ConnectionTimeout      int    `toml:"connection_timeout"`       // seconds
	BlockRefreshInterval   int    `toml:"block_refresh_interval"`   // milliseconds
	JobRebroadcastTimeout  int    `toml:"job_rebroadcast_timeout"`  // seconds
	VersionMask            string `toml:"version_mask"`
	InstanceID             uint32 `toml:"instance_id"`
	TCPProxyProtocol       bool   `toml:"tcp_proxy_protocol"`
	EmitInvalidBlockHashes bool   `toml:"emit_invalid_block_hashes"`

	Testnet       bool   `toml:"testnet"`
	PoolSignature string `toml:"pool_signature"`

	// Optional low-latency block signal alongside P2P inv and polling.
	ZMQBlockAddr string `toml:"zmq_block_addr"`

	// Optional operator notifications.
	DiscordToken     string `toml:"discord_token"`
	DiscordChannelID string `toml:"discord_channel_id"`

	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
}

func (c *Config) connectionTimeout() time.Duration {
	if c.ConnectionTimeout <= 0 {
		return defaultConnectionTimeout
	}
	return time.Duration(c.ConnectionTimeout) * time.Second
}

func (c *Config) blockRefreshInterval() time.Duration {
	if c.BlockRefreshInterval <= 0 {
		return defaultBlockRefreshInterval
	}
	return time.Duration(c.BlockRefreshInterval) * time.Millisecond
}

func (c *Config) jobRebroadcastTimeout() time.Duration {
	if c.JobRebroadcastTimeout <= 0 {
		return defaultJobRebroadcastTimeout
	}
	return time.Duration(c.JobRebroadcastTimeout) * time.Second
}

func (c *Config) banPurgeInterval() time.Duration {
	if c.Banning.PurgeInterval <= 0 {
		return defaultBanPurgeInterval
	}
	return time.Duration(c.Banning.PurgeInterval) * time.Second
}

func (c *Config) banTime() time.Duration {
	if c.Banning.Time <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Banning.Time) * time.Second
}

func defaultConfig() Config {
	return Config{
		Coin: CoinConfig{
			Algorithm: "sha256",
			Reward:    "POW",
		},
		Ports: map[string]PortConfig{
			"3333": {Diff: 8},
		},
		Banning: BanningConfig{
			Enabled:        true,
			Time:           600,
			InvalidPercent: 50,
			CheckThreshold: 500,
			PurgeInterval:  300,
		},
		ConnectionTimeout:     600,
		BlockRefreshInterval:  1000,
		JobRebroadcastTimeout: 55,
		PoolSignature:         "/stratumpool/",
		LogLevel:              "info",
	}
}
