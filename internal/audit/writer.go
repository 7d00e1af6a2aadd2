/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package audit

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperledger/fabric-ledgeraudit/internal/fileutil"
	"github.com/hyperledger/fabric-ledgeraudit/internal/jsonrw"
	"github.com/hyperledger/fabric-ledgeraudit/internal/result"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Document is the layout of a results file.
type Document struct {
	Channel      string                       `json:"channel" yaml:"channel"`
	Summary      result.Summary               `json:"summary" yaml:"summary"`
	Blocks       []*result.BlockResults       `json:"blocks" yaml:"blocks"`
	Transactions []*result.TransactionResults `json:"transactions" yaml:"transactions"`
}

// ResultsFileName returns the name of the results file of channel.
func ResultsFileName(channel, format string) string {
	return fmt.Sprintf("%s_results.%s", channel, format)
}

// WriteResults writes set to a file in dir and returns its path. An empty
// format selects json.
func WriteResults(dir, format, channel string, set *result.Set) (string, error) {
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatYAML {
		return "", errors.Errorf("unsupported output format %q, expected %s or %s", format, FormatJSON, FormatYAML)
	}
	if err := fileutil.CreateDirIfMissing(dir); err != nil {
		return "", errors.WithMessagef(err, "error creating output directory %s", dir)
	}

	path := filepath.Join(dir, ResultsFileName(channel, format))
	var err error
	if format == FormatYAML {
		err = writeYAML(path, channel, set)
	} else {
		err = writeJSON(path, channel, set)
	}
	if err != nil {
		return "", errors.WithMessagef(err, "error writing results to %s", path)
	}
	logger.Infof("Wrote results of channel %s to %s", channel, path)
	return path, nil
}

func writeJSON(path, channel string, set *result.Set) error {
	w, err := jsonrw.NewJSONFileWriter(path)
	if err != nil {
		return err
	}
	if err := w.OpenObject(); err != nil {
		return err
	}
	if err := w.AddField("channel", channel); err != nil {
		return err
	}
	if err := w.AddField("summary", set.Summary()); err != nil {
		return err
	}

	if err := w.AddList("blocks"); err != nil {
		return err
	}
	for _, br := range set.Blocks() {
		if err := w.AddEntry(br); err != nil {
			return err
		}
	}
	if err := w.CloseList(); err != nil {
		return err
	}

	if err := w.AddList("transactions"); err != nil {
		return err
	}
	for _, tr := range set.Transactions() {
		if err := w.AddEntry(tr); err != nil {
			return err
		}
	}
	if err := w.CloseList(); err != nil {
		return err
	}

	if err := w.CloseObject(); err != nil {
		return err
	}
	return w.Close()
}

func writeYAML(path, channel string, set *result.Set) error {
	content, err := yaml.Marshal(&Document{
		Channel:      channel,
		Summary:      set.Summary(),
		Blocks:       set.Blocks(),
		Transactions: set.Transactions(),
	})
	if err != nil {
		return errors.Wrap(err, "error marshaling results")
	}
	return fileutil.WriteFileAtomically(path, content, 0o644)
}

// ReadResults loads a results file written by WriteResults.
func ReadResults(path string) (*Document, error) {
	doc := &Document{}
	if filepath.Ext(path) == "."+FormatYAML {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "error reading %s", path)
		}
		if err := yaml.Unmarshal(content, doc); err != nil {
			return nil, errors.Wrapf(err, "error decoding %s", path)
		}
		return doc, nil
	}
	if err := jsonrw.LoadJSON(path, doc); err != nil {
		return nil, err
	}
	return doc, nil
}
