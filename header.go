package asdf

import (
	"bytes"
	"fmt"
	"io"
)

// FileVersion is the ASDF standard version declared on the magic/version line, e.g. 1.0.0.
type FileVersion struct {
	Major, Minor, Micro int
}

func (v FileVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}

const (
	magicPrefix  = "#ASDF "
	maxMagicLine = 128
	yamlMarker   = "%YAM"
	yamlEndMark  = "...\n"
	maxYAMLLine  = 1 << 20 // generous bound on the whole YAML region scanned for its end marker
)

// readMagicLine reads and parses the "#ASDF M.m.p\n" line at the start of a stream. CR before
// LF is tolerated, per spec.md §6.
func readMagicLine(s Stream) (FileVersion, error) {
	line, err := s.ReadUntil([]byte("\n"), maxMagicLine, true)
	if err != nil {
		return FileVersion{}, fmt.Errorf("%w: %s", ErrNotAsdf, err)
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))

	if !bytes.HasPrefix(line, []byte(magicPrefix)) {
		return FileVersion{}, ErrNotAsdf
	}
	rest := string(line[len(magicPrefix):])

	var v FileVersion
	if _, err := fmt.Sscanf(rest, "%d.%d.%d", &v.Major, &v.Minor, &v.Micro); err != nil {
		return FileVersion{}, fmt.Errorf("%w: bad version %q", ErrNotAsdf, rest)
	}
	return v, nil
}

// readHeaderRegion reads the magic line and, if present, the YAML region (including its end
// marker). It returns the parsed version, the raw YAML bytes (nil if no YAML region, which
// distinguishes an empty tree from a present-but-empty document), and an error. A token after
// the magic line is peeked against the block magic; whether blocks follow is not reported.
func readHeaderRegion(s Stream) (FileVersion, []byte, error) {
	version, err := readMagicLine(s)
	if err != nil {
		return FileVersion{}, nil, err
	}

	var token [4]byte
	n, err := io.ReadFull(s, token[:])
	if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
		// EOF immediately after the magic line: empty file, empty tree.
		return version, nil, nil
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return FileVersion{}, nil, err
	}

	switch {
	case string(token[:]) == yamlMarker:
		// Rewind so the YAML region capture includes the "%YAM" we already consumed.
		pos, terr := s.Tell()
		if terr != nil {
			return FileVersion{}, nil, terr
		}
		if err := s.Seek(pos - 4); err != nil {
			return FileVersion{}, nil, err
		}
		yamlBytes, err := s.ReadUntil([]byte(yamlEndMark), maxYAMLLine, true)
		if err != nil {
			return FileVersion{}, nil, fmt.Errorf("asdf: reading yaml region: %w", err)
		}
		return version, yamlBytes, nil
	case token == blockMagic:
		// No YAML region; rewind so the caller's block scan sees the magic.
		pos, terr := s.Tell()
		if terr != nil {
			return FileVersion{}, nil, terr
		}
		if err := s.Seek(pos - 4); err != nil {
			return FileVersion{}, nil, err
		}
		return version, nil, nil
	default:
		return FileVersion{}, nil, ErrGarbageAfterHeader
	}
}

// writeHeaderRegion writes the magic/version line followed by yamlDoc (already a complete YAML
// document including its "---" start and "...\n" end markers) if non-empty.
func writeHeaderRegion(s Stream, version FileVersion, yamlDoc []byte) error {
	line := fmt.Sprintf("%s%s\n", magicPrefix, version.String())
	if _, err := s.Write([]byte(line)); err != nil {
		return err
	}
	if len(yamlDoc) == 0 {
		return nil
	}
	_, err := s.Write(yamlDoc)
	return err
}
