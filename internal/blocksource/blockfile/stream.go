/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package blockfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

// ErrUnexpectedEndOfBlockfile error used to indicate an unexpected end of a file segment
// this can happen mainly if a crash occurs during appending a block and partial block contents
// get written towards the end of the file
var ErrUnexpectedEndOfBlockfile = errors.New("unexpected end of blockfile")

const blockfilePrefix = "blockfile_"

func deriveBlockfilePath(rootDir string, fileNum int) string {
	return filepath.Join(rootDir, blockfilePrefix+fmt.Sprintf("%06d", fileNum))
}

// blockfileStream reads the length-prefixed block records of a single file.
type blockfileStream struct {
	fileNum       int
	file          *os.File
	size          int64
	reader        *bufio.Reader
	currentOffset int64
}

// placement locates the serialized bytes of one block.
type placement struct {
	fileNum int
	offset  int64
	length  int64
}

func (p placement) String() string {
	return fmt.Sprintf("fileNum=[%d], offset=[%d], length=[%d]", p.fileNum, p.offset, p.length)
}

func newBlockfileStream(rootDir string, fileNum int, startOffset int64) (*blockfileStream, error) {
	filePath := deriveBlockfilePath(rootDir, fileNum)
	logger.Debugf("newBlockfileStream(): filePath=[%s], startOffset=[%d]", filePath, startOffset)
	file, err := os.OpenFile(filePath, os.O_RDONLY, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening block file %s", filePath)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "error getting block file stat")
	}
	if _, err := file.Seek(startOffset, io.SeekStart); err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "error seeking block file [%s] to startOffset [%d]", filePath, startOffset)
	}
	return &blockfileStream{
		fileNum:       fileNum,
		file:          file,
		size:          info.Size(),
		reader:        bufio.NewReader(file),
		currentOffset: startOffset,
	}, nil
}

// nextBlockBytes returns nil bytes at the end of the file.
func (s *blockfileStream) nextBlockBytes() ([]byte, *placement, error) {
	if s.currentOffset == s.size {
		logger.Debugf("Finished reading file number [%d]", s.fileNum)
		return nil, nil, nil
	}
	remainingBytes := s.size - s.currentOffset
	peekBytes := 8
	if remainingBytes < int64(peekBytes) {
		peekBytes = int(remainingBytes)
	}
	lenBytes, err := s.reader.Peek(peekBytes)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "error peeking [%d] bytes from block file", peekBytes)
	}
	length, n := proto.DecodeVarint(lenBytes)
	if n == 0 {
		return nil, nil, ErrUnexpectedEndOfBlockfile
	}
	bytesExpected := int64(n) + int64(length)
	if bytesExpected > remainingBytes {
		logger.Debugf("At least [%d] bytes expected. Remaining bytes = [%d]. Returning with error [%s]",
			bytesExpected, remainingBytes, ErrUnexpectedEndOfBlockfile)
		return nil, nil, ErrUnexpectedEndOfBlockfile
	}
	if _, err = s.reader.Discard(n); err != nil {
		return nil, nil, errors.Wrapf(err, "error discarding [%d] bytes", n)
	}
	blockBytes := make([]byte, length)
	if _, err = io.ReadFull(s.reader, blockBytes); err != nil {
		return nil, nil, errors.Wrapf(err, "error reading [%d] bytes from file number [%d]", length, s.fileNum)
	}
	p := &placement{
		fileNum: s.fileNum,
		offset:  s.currentOffset + int64(n),
		length:  int64(length),
	}
	s.currentOffset += bytesExpected
	return blockBytes, p, nil
}

func (s *blockfileStream) close() error {
	return errors.WithStack(s.file.Close())
}

// readAt reads the serialized block at a known placement.
func readAt(rootDir string, p placement) ([]byte, error) {
	filePath := deriveBlockfilePath(rootDir, p.fileNum)
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening block file %s", filePath)
	}
	defer file.Close()
	b := make([]byte, p.length)
	if _, err := file.ReadAt(b, p.offset); err != nil {
		return nil, errors.Wrapf(err, "error reading block at %s", p)
	}
	return b, nil
}
