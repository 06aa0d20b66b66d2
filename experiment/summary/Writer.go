// Package summary writes scalar summaries of a training run as
// TensorBoard event files
package summary

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// fileVersion is written as the first event of every file
const fileVersion = "brain.Event:2"

// Event field numbers
const (
	eventWallTime    protowire.Number = 1
	eventStep        protowire.Number = 2
	eventFileVersion protowire.Number = 3
	eventSummary     protowire.Number = 5

	summaryValue protowire.Number = 1

	valueTag         protowire.Number = 1
	valueSimpleValue protowire.Number = 2
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Writer writes scalar summaries to a single event file
type Writer struct {
	dir  string
	file *os.File
	buf  *bufio.Writer
}

// NewWriter creates the directory logDir/runLabel_N, where N is one
// more than the largest run id already in logDir, and opens a new event
// file inside it.
func NewWriter(logDir, runLabel string) (*Writer, error) {
	id, err := nextRunID(logDir, runLabel)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(logDir, fmt.Sprintf("%v_%d", runLabel, id))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "newWriter")
	}
	return NewWriterIn(dir)
}

// NewWriterIn opens a new event file in the existing directory dir
func NewWriterIn(dir string) (*Writer, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	name := fmt.Sprintf("events.out.tfevents.%d.%v", time.Now().Unix(), host)

	file, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, errors.Wrap(err, "newWriter")
	}

	w := &Writer{
		dir:  dir,
		file: file,
		buf:  bufio.NewWriter(file),
	}

	header := protowire.AppendTag(nil, eventFileVersion, protowire.BytesType)
	header = protowire.AppendString(header, fileVersion)
	if err := w.writeEvent(0, header); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// Dir returns the directory the Writer writes to
func (w *Writer) Dir() string {
	return w.dir
}

// AddScalar records value under tag at the given step
func (w *Writer) AddScalar(tag string, value float64, step int) error {
	v := protowire.AppendTag(nil, valueTag, protowire.BytesType)
	v = protowire.AppendString(v, tag)
	v = protowire.AppendTag(v, valueSimpleValue, protowire.Fixed32Type)
	v = protowire.AppendFixed32(v, math.Float32bits(float32(value)))

	summary := protowire.AppendTag(nil, summaryValue, protowire.BytesType)
	summary = protowire.AppendBytes(summary, v)

	body := protowire.AppendTag(nil, eventStep, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(step))
	body = protowire.AppendTag(body, eventSummary, protowire.BytesType)
	body = protowire.AppendBytes(body, summary)

	return w.writeEvent(step, body)
}

// AddScalars records each value in scalars under its key at step
func (w *Writer) AddScalars(scalars map[string]float64, step int) error {
	for _, tag := range sortedKeys(scalars) {
		if err := w.AddScalar(tag, scalars[tag], step); err != nil {
			return err
		}
	}
	return nil
}

// writeEvent prepends the wall time to the encoded event fields and
// writes the event as a single record
func (w *Writer) writeEvent(step int, fields []byte) error {
	now := float64(time.Now().UnixNano()) / 1e9
	event := protowire.AppendTag(nil, eventWallTime, protowire.Fixed64Type)
	event = protowire.AppendFixed64(event, math.Float64bits(now))
	event = append(event, fields...)

	if err := writeRecord(w.buf, event); err != nil {
		return errors.Wrapf(err, "writeEvent: step %d", step)
	}
	return nil
}

// Flush writes buffered events to disk
func (w *Writer) Flush() error {
	if err := w.buf.Flush(); err != nil {
		return errors.Wrap(err, "flush")
	}
	return nil
}

// Close flushes and closes the event file
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// writeRecord writes data in the TFRecord format: the length, a masked
// CRC of the length, the data, and a masked CRC of the data
func writeRecord(w *bufio.Writer, data []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))

	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))

	for _, b := range [][]byte{header[:], data, footer[:]} {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func maskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, crcTable)
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}

// nextRunID returns one more than the largest id of a directory named
// runLabel_<id> in logDir, or 1 if there is none
func nextRunID(logDir, runLabel string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(logDir, runLabel+"_[0-9]*"))
	if err != nil {
		return 0, errors.Wrap(err, "nextRunID")
	}

	latest := 0
	for _, match := range matches {
		suffix := strings.TrimPrefix(filepath.Base(match), runLabel+"_")
		if id, err := strconv.Atoi(suffix); err == nil && id > latest {
			latest = id
		}
	}
	return latest + 1, nil
}
