package summary

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrCorrupt is returned when reading an event file whose records fail
// their checksums
var ErrCorrupt = errors.New("summary: corrupt event file")

// Scalar is a single scalar summary read back from an event file
type Scalar struct {
	Tag   string
	Value float64
	Step  int
}

// ReadScalars reads all scalar summaries in the event file at path,
// in the order they were written
func ReadScalars(path string) ([]Scalar, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "readScalars")
	}
	defer file.Close()

	var scalars []Scalar
	for {
		record, err := readRecord(file)
		if err == io.EOF {
			return scalars, nil
		} else if err != nil {
			return nil, errors.Wrap(err, "readScalars")
		}

		s, err := parseEvent(record)
		if err != nil {
			return nil, errors.Wrap(err, "readScalars")
		}
		scalars = append(scalars, s...)
	}
}

// readRecord reads and checks a single record
func readRecord(r io.Reader) ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrCorrupt
		}
		return nil, err
	}
	if maskedCRC(header[:8]) != binary.LittleEndian.Uint32(header[8:]) {
		return nil, errors.Wrap(ErrCorrupt, "length checksum")
	}

	data := make([]byte, binary.LittleEndian.Uint64(header[:8])+4)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, ErrCorrupt
	}
	body, footer := data[:len(data)-4], data[len(data)-4:]
	if maskedCRC(body) != binary.LittleEndian.Uint32(footer) {
		return nil, errors.Wrap(ErrCorrupt, "data checksum")
	}
	return body, nil
}

// parseEvent returns the scalars in an encoded Event
func parseEvent(b []byte) ([]Scalar, error) {
	var step int
	var summaries [][]byte

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type,
		field []byte) (int, error) {
		switch {
		case num == eventStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			step = int(v)
			return n, protowire.ParseError(n)

		case num == eventSummary && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(field)
			summaries = append(summaries, v)
			return n, protowire.ParseError(n)
		}
		n := protowire.ConsumeFieldValue(num, typ, field)
		return n, protowire.ParseError(n)
	})
	if err != nil {
		return nil, err
	}

	var scalars []Scalar
	for _, summary := range summaries {
		err := consumeFields(summary, func(num protowire.Number,
			typ protowire.Type, field []byte) (int, error) {
			if num != summaryValue || typ != protowire.BytesType {
				n := protowire.ConsumeFieldValue(num, typ, field)
				return n, protowire.ParseError(n)
			}
			v, n := protowire.ConsumeBytes(field)
			if n < 0 {
				return n, protowire.ParseError(n)
			}
			s, err := parseValue(v)
			s.Step = step
			scalars = append(scalars, s)
			return n, err
		})
		if err != nil {
			return nil, err
		}
	}
	return scalars, nil
}

// parseValue decodes a Summary.Value holding a simple value
func parseValue(b []byte) (Scalar, error) {
	var s Scalar
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type,
		field []byte) (int, error) {
		switch {
		case num == valueTag && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(field)
			s.Tag = v
			return n, protowire.ParseError(n)

		case num == valueSimpleValue && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(field)
			s.Value = float64(math.Float32frombits(v))
			return n, protowire.ParseError(n)
		}
		n := protowire.ConsumeFieldValue(num, typ, field)
		return n, protowire.ParseError(n)
	})
	return s, err
}

// consumeFields calls f on each field of the encoded message b. f
// returns the number of bytes of the field value it consumed.
func consumeFields(b []byte, f func(protowire.Number, protowire.Type,
	[]byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := f(num, typ, b)
		if m < 0 {
			return err
		}
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
