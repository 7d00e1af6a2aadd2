/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package jsonrw

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hyperledger/fabric-ledgeraudit/internal/fileutil"
	"github.com/pkg/errors"
)

// LoadJSON decodes the json file at filePath into v.
func LoadJSON(filePath string, v interface{}) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	d := json.NewDecoder(bufio.NewReader(f))
	if err := d.Decode(v); err != nil {
		return errors.Wrapf(err, "error decoding %s", filePath)
	}
	return nil
}

// JSONFileWriter streams one json object to a file. Lists are written entry
// by entry so that large result sets never have to be held as one document.
type JSONFileWriter struct {
	file              *os.File
	buffer            *bufio.Writer
	encoder           *json.Encoder
	objectOpened      bool
	firstFieldWritten bool
	listOpened        bool
	firstEntryWritten bool
	count             int
}

func NewJSONFileWriter(filePath string) (*JSONFileWriter, error) {
	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	b := bufio.NewWriter(f)

	return &JSONFileWriter{
		file:    f,
		buffer:  b,
		encoder: json.NewEncoder(b),
	}, nil
}

// Open a json object
func (w *JSONFileWriter) OpenObject() error {
	if w.objectOpened {
		return errors.Errorf("object already open, must close object before starting a new one")
	}

	w.objectOpened = true
	_, err := w.buffer.Write([]byte("{\n"))
	return err
}

// Close a json object
func (w *JSONFileWriter) CloseObject() error {
	if !w.objectOpened {
		return errors.Errorf("no object open, cannot close object")
	}
	if w.listOpened {
		return errors.Errorf("list still open, must close list before closing object")
	}

	if _, err := w.buffer.Write([]byte("}\n")); err != nil {
		return err
	}

	w.objectOpened = false
	w.firstFieldWritten = false
	return nil
}

// Add field to an open json object
func (w *JSONFileWriter) AddField(k string, v interface{}) error {
	if err := w.writeKey(k); err != nil {
		return err
	}
	return w.encoder.Encode(v)
}

// AddList adds a list field to the open object and leaves the list open for
// AddEntry.
func (w *JSONFileWriter) AddList(k string) error {
	if err := w.writeKey(k); err != nil {
		return err
	}
	return w.OpenList()
}

func (w *JSONFileWriter) writeKey(k string) error {
	if !w.objectOpened {
		return errors.Errorf("no object open, cannot add field")
	}
	if w.listOpened {
		return errors.Errorf("list still open, must close list before adding field")
	}
	// Add commas for fields after the first field in the object
	if w.firstFieldWritten {
		if _, err := w.buffer.Write([]byte(",\n")); err != nil {
			return err
		}
	} else {
		w.firstFieldWritten = true
	}
	_, err := w.buffer.Write([]byte(fmt.Sprintf("%q:", k)))
	return err
}

// Open a json list
func (w *JSONFileWriter) OpenList() error {
	if w.listOpened {
		return errors.Errorf("list already open, must close list before starting a new one")
	}

	w.listOpened = true
	w.firstEntryWritten = false
	w.count = 0
	_, err := w.buffer.Write([]byte("[\n"))
	return err
}

// Close a json list
func (w *JSONFileWriter) CloseList() error {
	if !w.listOpened {
		return errors.Errorf("no list open, cannot close list")
	}

	w.listOpened = false
	_, err := w.buffer.Write([]byte("]\n"))
	return err
}

// Add entries to an open json list
func (w *JSONFileWriter) AddEntry(r interface{}) error {
	if !w.listOpened {
		return errors.Errorf("no list open, cannot add entries")
	}
	// Add commas for entries after the first entry in the list
	if w.firstEntryWritten {
		if _, err := w.buffer.Write([]byte(",\n")); err != nil {
			return err
		}
	} else {
		w.firstEntryWritten = true
	}

	if err := w.encoder.Encode(r); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of entries written to the current or last list.
func (w *JSONFileWriter) Count() int {
	return w.count
}

func (w *JSONFileWriter) Close() error {
	if w.listOpened {
		return errors.Errorf("list still open, must close list before closing jsonFileWriter")
	}

	if err := w.buffer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := fileutil.SyncParentDir(w.file.Name()); err != nil {
		return err
	}
	return w.file.Close()
}
