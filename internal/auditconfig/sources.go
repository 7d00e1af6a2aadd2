/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package auditconfig

import (
	"sort"

	"github.com/hyperledger/fabric-ledgeraudit/internal/audit"
	"github.com/hyperledger/fabric-ledgeraudit/internal/blocksource/blockfile"
	"github.com/hyperledger/fabric-ledgeraudit/internal/checker"
	"github.com/hyperledger/fabric-ledgeraudit/internal/pvtdata"
	"github.com/pkg/errors"
)

// AuditConfig opens the block files and the private data store named by the
// configuration. The returned function releases them and must be called
// once the audit is done.
func (c *Config) AuditConfig() (audit.Config, func(), error) {
	if c.Ledger.Channel == "" {
		return audit.Config{}, nil, errors.New("ledger.channel is not set")
	}
	source, err := blockfile.Open(c.LedgerDir())
	if err != nil {
		return audit.Config{}, nil, err
	}

	cfg := audit.Config{
		Channel:        c.Ledger.Channel,
		Source:         source,
		Checkers:       c.Checkers,
		CheckpointPath: c.Checkpoint.Path,
		OutputDir:      c.Output.Dir,
		OutputFormat:   c.Output.Format,
	}

	peers := c.PeerLedgerDirs()
	names := make([]string, 0, len(peers))
	for name := range peers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		peer, err := blockfile.Open(peers[name])
		if err != nil {
			return audit.Config{}, nil, errors.WithMessagef(err, "error opening ledger of peer %s", name)
		}
		cfg.Peers = append(cfg.Peers, checker.NamedSource{Name: name, Source: peer})
	}

	release := func() {}
	if c.PvtData.Path != "" {
		store, err := pvtdata.Open(c.PvtData.Path)
		if err != nil {
			return audit.Config{}, nil, err
		}
		cfg.PrivateData = store
		release = store.Close
	}
	return cfg, release, nil
}
