package plan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrNoDuration = errors.New("container carries no parseable duration")

// mvhd header layout:
//
//	version(1) flags(3) ctime dtime timescale(4) duration(4)      — version 0
//	version(1) flags(3) ctime(8) dtime(8) timescale(4) duration(8) — version 1
const (
	mvhdV0TimescaleOff = 12
	mvhdV1TimescaleOff = 20
)

// ProbeDuration reads the real duration of an MP4/MOV file from its
// moov/mvhd box. It walks box headers with bounded reads and never loads the
// file into memory. Callers fall back to the size heuristic on any error.
func ProbeDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	moovOff, moovSize, err := findBox(f, 0, info.Size(), "moov")
	if err != nil {
		return 0, err
	}
	mvhdOff, mvhdSize, err := findBox(f, moovOff+8, moovOff+moovSize, "mvhd")
	if err != nil {
		return 0, err
	}
	if mvhdSize < 32 {
		return 0, ErrNoDuration
	}

	body := make([]byte, mvhdSize-8)
	if _, err := f.ReadAt(body, mvhdOff+8); err != nil {
		return 0, err
	}

	version := body[0]
	switch version {
	case 0:
		if len(body) < mvhdV0TimescaleOff+8 {
			return 0, ErrNoDuration
		}
		timescale := binary.BigEndian.Uint32(body[mvhdV0TimescaleOff:])
		duration := binary.BigEndian.Uint32(body[mvhdV0TimescaleOff+4:])
		if timescale == 0 {
			return 0, ErrNoDuration
		}
		return float64(duration) / float64(timescale), nil
	case 1:
		if len(body) < mvhdV1TimescaleOff+12 {
			return 0, ErrNoDuration
		}
		timescale := binary.BigEndian.Uint32(body[mvhdV1TimescaleOff:])
		duration := binary.BigEndian.Uint64(body[mvhdV1TimescaleOff+4:])
		if timescale == 0 {
			return 0, ErrNoDuration
		}
		return float64(duration) / float64(timescale), nil
	default:
		return 0, fmt.Errorf("%w: unknown mvhd version %d", ErrNoDuration, version)
	}
}

// findBox scans [start, end) for a top-level box with the given type and
// returns its offset and total size. Handles 64-bit largesize headers.
func findBox(r io.ReaderAt, start, end int64, boxType string) (int64, int64, error) {
	var header [16]byte
	for off := start; off+8 <= end; {
		if _, err := r.ReadAt(header[:8], off); err != nil {
			return 0, 0, err
		}
		size := int64(binary.BigEndian.Uint32(header[:4]))
		typ := string(header[4:8])

		switch size {
		case 0:
			// Box extends to end of file.
			size = end - off
		case 1:
			if _, err := r.ReadAt(header[8:16], off+8); err != nil {
				return 0, 0, err
			}
			size = int64(binary.BigEndian.Uint64(header[8:16]))
		}
		if size < 8 || off+size > end {
			return 0, 0, fmt.Errorf("%w: malformed box %q at %d", ErrNoDuration, typ, off)
		}
		if typ == boxType {
			return off, size, nil
		}
		off += size
	}
	return 0, 0, fmt.Errorf("%w: box %q not found", ErrNoDuration, boxType)
}
