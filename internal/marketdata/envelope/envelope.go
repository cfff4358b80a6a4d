// Package envelope extracts a (channel, symbol, send_ts_ms, payload) frame
// from raw exchange WebSocket bytes without a compiled protobuf descriptor.
// Exchange wire schemas drift without notice, so rather than depending on a
// generated struct the decoder walks the raw protobuf tag/wire-type stream
// and classifies each field by its wire type and byte shape: printable
// ASCII strings are channel/symbol candidates, a length-delimited field that
// itself decodes as a populated sub-message is the payload, and everything
// else is ignored.
package envelope

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sort"
)

// Frame is the decoded routing unit handed to the book/tape/depth handlers.
type Frame struct {
	Channel  string
	Symbol   string
	SendTsMs int64
	Payload  []byte
}

// Channel routing classes, selected by substring match on the frame's raw
// channel string.
const (
	ChannelBookTicker = "book_ticker"
	ChannelTape       = "tape"
	ChannelDepth      = "depth"
	ChannelUnknown    = "unknown"
)

var gzipMagic = []byte{0x1F, 0x8B}

// wire types, per the protobuf encoding spec.
const (
	wireVarint          = 0
	wireFixed64         = 1
	wireLengthDelimited = 2
	wireStartGroup      = 3
	wireEndGroup        = 4
	wireFixed32         = 5
)

type field struct {
	number   int
	wireType int
	varint   uint64
	fixed64  uint64
	fixed32  uint32
	bytes    []byte
}

// Decode turns one raw inbound WS frame into a routed Frame, or returns an
// error (the caller counts this as a decode_error and moves on; the decoder
// never panics on malformed input).
func Decode(raw []byte) (Frame, error) {
	buf := raw
	if len(buf) >= 2 && bytes.Equal(buf[:2], gzipMagic) {
		unzipped, err := gunzip(buf)
		if err != nil {
			return Frame{}, fmt.Errorf("gunzip envelope: %w", err)
		}
		buf = unzipped
	}

	fields, err := parseFields(buf)
	if err != nil {
		return Frame{}, fmt.Errorf("parse envelope wire format: %w", err)
	}
	if len(fields) == 0 {
		return Frame{}, fmt.Errorf("no fields found in envelope")
	}

	channel, symbol := locateStrings(fields)
	payload := locatePayload(fields)
	if payload == nil {
		return Frame{}, fmt.Errorf("no payload field located")
	}

	return Frame{
		Channel:  routeChannel(channel),
		Symbol:   symbol,
		SendTsMs: locateSendTs(fields),
		Payload:  payload,
	}, nil
}

func gunzip(buf []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// parseFields walks the top-level tag/wire-type stream of a protobuf
// message, collecting every field without needing to know its semantic
// name (there is no descriptor to consult).
func parseFields(buf []byte) ([]field, error) {
	var fields []field
	pos := 0
	for pos < len(buf) {
		tag, n, err := readVarint(buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += n

		fieldNum := int(tag >> 3)
		wireType := int(tag & 0x7)
		f := field{number: fieldNum, wireType: wireType}

		switch wireType {
		case wireVarint:
			v, n, err := readVarint(buf[pos:])
			if err != nil {
				return nil, err
			}
			f.varint = v
			pos += n
		case wireFixed64:
			if pos+8 > len(buf) {
				return nil, fmt.Errorf("truncated fixed64 at field %d", fieldNum)
			}
			f.fixed64 = leUint64(buf[pos : pos+8])
			pos += 8
		case wireLengthDelimited:
			length, n, err := readVarint(buf[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			if length > uint64(len(buf)-pos) {
				return nil, fmt.Errorf("truncated length-delimited field %d", fieldNum)
			}
			f.bytes = buf[pos : pos+int(length)]
			pos += int(length)
		case wireFixed32:
			if pos+4 > len(buf) {
				return nil, fmt.Errorf("truncated fixed32 at field %d", fieldNum)
			}
			f.fixed32 = leUint32(buf[pos : pos+4])
			pos += 4
		default:
			return nil, fmt.Errorf("unsupported wire type %d for field %d", wireType, fieldNum)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func readVarint(buf []byte) (uint64, int, error) {
	var result uint64
	var shift uint
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		result |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, fmt.Errorf("varint overflow")
		}
	}
	return 0, 0, fmt.Errorf("truncated varint")
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func leUint32(b []byte) uint32 {
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}

// isPrintableASCII reports whether b looks like a human-readable channel or
// symbol string rather than binary payload bytes.
func isPrintableASCII(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return false
		}
	}
	return true
}

// locateStrings finds the channel and symbol fields among the top-level
// length-delimited fields by picking the printable-ASCII candidates in
// ascending field-number order -- the exchange always lists channel before
// symbol.
func locateStrings(fields []field) (channel, symbol string) {
	var strs []field
	for _, f := range fields {
		if f.wireType == wireLengthDelimited && isPrintableASCII(f.bytes) {
			strs = append(strs, f)
		}
	}
	sort.SliceStable(strs, func(i, j int) bool { return strs[i].number < strs[j].number })
	if len(strs) > 0 {
		channel = string(strs[0].bytes)
	}
	if len(strs) > 1 {
		symbol = string(strs[1].bytes)
	}
	return channel, symbol
}

// locateSendTs returns the largest varint field, the exchange's convention
// for a millisecond send timestamp; smaller varints are sequence numbers or
// enum-typed fields.
func locateSendTs(fields []field) int64 {
	var best uint64
	for _, f := range fields {
		if f.wireType == wireVarint && f.varint > best {
			best = f.varint
		}
	}
	return int64(best)
}

// locatePayload returns the length-delimited field that itself parses as a
// populated nested protobuf message -- the frame's inner payload -- or nil
// if none does.
func locatePayload(fields []field) []byte {
	type candidate struct {
		f      field
		nested []field
	}
	var candidates []candidate
	for _, f := range fields {
		if f.wireType != wireLengthDelimited || isPrintableASCII(f.bytes) {
			continue
		}
		if nested, err := parseFields(f.bytes); err == nil && len(nested) > 0 {
			candidates = append(candidates, candidate{f: f, nested: nested})
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i].nested) > len(candidates[j].nested)
	})
	return candidates[0].f.bytes
}

// routeChannel classifies a raw channel string into one of the three
// handler classes by substring match, per the exchange's topic naming
// convention (e.g. "spot@public.bookTicker.v3.api@BTCUSDT").
func routeChannel(channel string) string {
	switch {
	case contains(channel, "bookTicker"), contains(channel, "book_ticker"):
		return ChannelBookTicker
	case contains(channel, "deals"):
		return ChannelTape
	case contains(channel, "depth"), contains(channel, "Depth"):
		return ChannelDepth
	default:
		return ChannelUnknown
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && bytes.Contains([]byte(s), []byte(substr))
}
