// Package config implements the consensus directory subsystem's
// configuration surface, following the teacher's
// authority/voting/server/config package's Load/LoadFile/FixupAndValidate
// shape and its convention of zero-value-safe defaults applied in
// FixupAndValidate.
package config

import (
	"errors"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel = "NOTICE"

	// defaultDataDirectory matches the teacher's habit of a conservative,
	// explicit default rather than leaving DataDirectory empty.
	defaultDataDirectory = "/var/lib/veilmesh-relay"
)

// MicrodescMode is UseMicrodescriptors' three-way value (spec §6).
type MicrodescMode string

const (
	MicrodescYes  MicrodescMode = "yes"
	MicrodescNo   MicrodescMode = "no"
	MicrodescAuto MicrodescMode = "auto"
)

// Logging mirrors the teacher's Logging config block.
type Logging struct {
	Disable bool
	File    string
	Level   string
}

// Authority is one statically configured recognized v3 directory
// authority entry, loaded from TOML rather than discovered (spec §4.2).
type Authority struct {
	Nickname       string
	IdentityDigest string // hex-encoded
	Address        string
}

// Config is the consensus directory subsystem's configuration surface,
// spec §6's "Configuration recognized (by this subsystem)" plus the
// ambient Logging/DataDirectory/Authorities fields every teacher config
// package carries.
type Config struct {
	Logging Logging

	DataDirectory string

	UseMicrodescriptors    MicrodescMode
	FetchUselessDescriptors bool
	FetchV2Networkstatus   bool
	UseBridges             bool
	FallbackNetworkstatusFile string
	FetchDirInfoExtraEarly bool

	// AcceptFallbackObsolete resolves spec §9's open question on gating
	// the fallback-consensus bootstrap path: when false (the default),
	// the fallback file is never consulted even if present.
	AcceptFallbackObsolete bool

	// IsDirectoryCache mirrors spec §4.3/§4.6's "non-authorities" /
	// "directory cache" distinction that several formulas and the v2
	// cache path key off of.
	IsDirectoryCache bool
	IsAuthority      bool

	Authorities []Authority

	// FetchInterval overrides the scheduler tick period; zero means use
	// the package default.
	FetchInterval time.Duration
}

var errNoDataDirectory = errors.New("config: DataDirectory must not be empty")

// FixupAndValidate applies defaults and validates the loaded Config,
// following the teacher's FixupAndValidate convention.
func (c *Config) FixupAndValidate() error {
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.DataDirectory == "" {
		c.DataDirectory = defaultDataDirectory
	}
	if c.UseMicrodescriptors == "" {
		c.UseMicrodescriptors = MicrodescAuto
	}
	switch c.UseMicrodescriptors {
	case MicrodescYes, MicrodescNo, MicrodescAuto:
	default:
		return errors.New("config: UseMicrodescriptors must be yes, no, or auto")
	}
	if c.DataDirectory == "" {
		return errNoDataDirectory
	}
	for i := range c.Authorities {
		if c.Authorities[i].IdentityDigest == "" {
			return errors.New("config: authority missing IdentityDigest")
		}
	}
	return nil
}

// ResolvesMicrodescUsable implements spec §6's UseMicrodescriptors
// derivation: auto is equivalent to !server && !FetchUselessDescriptors,
// further forced off when bridges are configured and any bridge doesn't
// support microdescs (allBridgesSupportMicrodesc is supplied by the caller,
// which owns the bridge list this package doesn't model).
func (c *Config) ResolvesMicrodescUsable(isServer bool, allBridgesSupportMicrodesc bool) bool {
	switch c.UseMicrodescriptors {
	case MicrodescYes:
		return true
	case MicrodescNo:
		return false
	default:
		auto := !isServer && !c.FetchUselessDescriptors
		if c.UseBridges && !allBridgesSupportMicrodesc {
			return false
		}
		return auto
	}
}

// Load parses and validates the provided buffer as a TOML config body.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided config file.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
