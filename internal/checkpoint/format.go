package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrUnknownFormat is returned for an unsupported checkpoint encoding.
var ErrUnknownFormat = errors.New("checkpoint: unknown format")

// ErrEmptyCheckpoint is returned when a checkpoint file holds no bytes,
// as left behind by a write interrupted right after the file was created.
var ErrEmptyCheckpoint = errors.New("checkpoint: empty file")

// Format defines the serialization format.
type Format int

const (
	FormatJSON Format = iota
	FormatProto
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatProto:
		return "proto"
	default:
		return "unknown"
	}
}

// ParseFormat maps a config value to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "proto":
		return FormatProto, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

func encode(w io.Writer, rec *Record, format Format) error {
	switch format {
	case FormatJSON:
		return json.NewEncoder(w).Encode(rec)
	case FormatProto:
		st, err := toStruct(rec)
		if err != nil {
			return err
		}
		data, err := proto.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal proto: %w", err)
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// decode sniffs the encoding: JSON records always open with '{', which is
// never the first byte of the protobuf Struct encoding.
func decode(data []byte) (*Record, Format, error) {
	if len(data) == 0 {
		return nil, FormatJSON, ErrEmptyCheckpoint
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		rec := &Record{}
		if err := json.Unmarshal(trimmed, rec); err != nil {
			return nil, FormatJSON, fmt.Errorf("decode json: %w", err)
		}
		return rec, FormatJSON, nil
	}

	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		return nil, FormatProto, fmt.Errorf("decode proto: %w", err)
	}
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return nil, FormatProto, fmt.Errorf("decode proto: %w", err)
	}
	rec := &Record{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, FormatProto, fmt.Errorf("decode proto: %w", err)
	}
	return rec, FormatProto, nil
}

// toStruct goes through the JSON form so both encodings share one schema.
func toStruct(rec *Record) (*structpb.Struct, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return st, nil
}
