/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package auditconfig loads the configuration of the ledgeraudit command from
// an optional ledgeraudit.yaml file and LEDGERAUDIT_ prefixed environment
// variables.
package auditconfig

import (
	"path/filepath"
	"strings"

	"github.com/hyperledger/fabric-ledgeraudit/internal/blocksource/blockfile"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var logger = flogging.MustGetLogger("auditconfig")

// Prefix is the prefix of environment variable overrides, so that
// LEDGERAUDIT_LEDGER_CHANNEL overrides ledger.channel.
const Prefix = "LEDGERAUDIT"

// ConfigName is the file name stem searched for in the config paths.
const ConfigName = "ledgeraudit"

// Config is the complete configuration of an audit.
type Config struct {
	Ledger     Ledger
	PvtData    PvtData
	Checkpoint Checkpoint
	Checkers   []string
	Output     Output
	Logging    Logging
	Metrics    Metrics
}

// Ledger locates the audited channel. Peers are the file system paths of
// further peers holding the same channel, used by the multiple ledgers
// checker.
type Ledger struct {
	FileSystemPath string
	Channel        string
	Peers          []string
}

type PvtData struct {
	Path string
}

type Checkpoint struct {
	Path string
}

type Output struct {
	Dir    string
	Format string
}

type Logging struct {
	Spec   string
	Format string
}

// Metrics enables the prometheus provider. When File is set the gathered
// metrics are written to it in the text exposition format at the end of a
// run.
type Metrics struct {
	Enabled bool
	File    string
}

func defaults(v *viper.Viper) {
	v.SetDefault("ledger.fileSystemPath", "/var/hyperledger/production")
	v.SetDefault("output.format", "json")
	v.SetDefault("logging.spec", "info")
	v.SetDefault("logging.format", "%{color}%{time:2006-01-02 15:04:05.000 MST} [%{module}] %{shortfunc} -> %{level:.4s} %{id:03x}%{color:reset} %{message}")
	v.SetDefault("metrics.enabled", false)
}

// Load reads the configuration. When path is empty the current directory is
// searched for ledgeraudit.yaml and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix(Prefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, errors.Wrapf(err, "error reading configuration %s", path)
		}
		logger.Debugf("No %s.yaml found, using defaults and environment", ConfigName)
	} else {
		logger.Infof("Loaded configuration from %s", v.ConfigFileUsed())
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Ledger: Ledger{
			FileSystemPath: v.GetString("ledger.fileSystemPath"),
			Channel:        v.GetString("ledger.channel"),
			Peers:          stringList(v, "ledger.peers"),
		},
		PvtData:    PvtData{Path: v.GetString("pvtdata.path")},
		Checkpoint: Checkpoint{Path: v.GetString("checkpoint.path")},
		Checkers:   stringList(v, "checkers"),
		Output: Output{
			Dir:    v.GetString("output.dir"),
			Format: strings.ToLower(v.GetString("output.format")),
		},
		Logging: Logging{
			Spec:   v.GetString("logging.spec"),
			Format: v.GetString("logging.format"),
		},
		Metrics: Metrics{
			Enabled: v.GetBool("metrics.enabled"),
			File:    v.GetString("metrics.file"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// stringList reads a list that may be given as a yaml sequence or, from the
// environment, as a comma separated string.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, s := range v.GetStringSlice(key) {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks the values that have a closed set of choices.
func (c *Config) Validate() error {
	switch c.Output.Format {
	case "json", "yaml":
	default:
		return errors.Errorf("invalid output.format %q, expected json or yaml", c.Output.Format)
	}
	return nil
}

// LedgerDir returns the block file directory of the configured channel.
func (c *Config) LedgerDir() string {
	return blockfile.LedgerDir(c.Ledger.FileSystemPath, c.Ledger.Channel)
}

// PeerLedgerDirs returns the block file directories of the configured peers
// keyed by peer file system path.
func (c *Config) PeerLedgerDirs() map[string]string {
	dirs := map[string]string{}
	for _, p := range c.Ledger.Peers {
		dirs[p] = blockfile.LedgerDir(filepath.Clean(p), c.Ledger.Channel)
	}
	return dirs
}
