package plugin

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"pipelined.dev/engine/buffer"
)

// Wire commands. Every command is a line, MEMORY_MAP is followed by the
// payload length line and the JSON payload.
const (
	CmdMemoryMap    = "MEMORY_MAP"
	CmdProcessBlock = "PROCESS_BLOCK"
)

// maxPayload limits MEMORY_MAP payload read from the pipe.
const maxPayload = 1 << 20

type (
	// MemoryMap describes shared memory segment and its layout.
	MemoryMap struct {
		Path       string         `json:"path"`
		Size       int            `json:"size"`
		SampleRate int            `json:"sample_rate"`
		BlockSize  int            `json:"block_size"`
		Buffers    []MappedBuffer `json:"buffers"`
	}

	// MappedBuffer is a buffer placed on shared memory.
	MappedBuffer struct {
		Name   string `json:"name"`
		Type   string `json:"type"`
		Offset int    `json:"offset"`
		Size   int    `json:"size"`
	}

	// Command is a decoded wire command.
	Command struct {
		Name      string
		MemoryMap *MemoryMap
	}
)

// NewMemoryMap describes layout placed on the segment.
func NewMemoryMap(m *SharedMemory, sampleRate int, l buffer.Layout) MemoryMap {
	mm := MemoryMap{
		Path:       m.Path(),
		Size:       len(m.Bytes()),
		SampleRate: sampleRate,
		BlockSize:  l.BlockSize,
		Buffers:    make([]MappedBuffer, 0, len(l.Entries)),
	}
	for _, e := range l.Entries {
		mm.Buffers = append(mm.Buffers, MappedBuffer{
			Name:   e.Name,
			Type:   e.Type.String(),
			Offset: e.Offset,
			Size:   e.Size,
		})
	}
	return mm
}

// Layout restores buffer layout of the memory map.
func (mm MemoryMap) Layout() (buffer.Layout, error) {
	l := buffer.Layout{
		BlockSize: mm.BlockSize,
		Size:      mm.Size,
		Entries:   make([]buffer.Entry, 0, len(mm.Buffers)),
	}
	for _, b := range mm.Buffers {
		t, err := buffer.ParseType(b.Type)
		if err != nil {
			return buffer.Layout{}, err
		}
		if b.Offset < 0 || b.Size != t.Size(mm.BlockSize) || b.Offset+b.Size > mm.Size {
			return buffer.Layout{}, fmt.Errorf("buffer %s at %d of %d: %w", b.Name, b.Offset, b.Size, ErrProtocol)
		}
		l.Entries = append(l.Entries, buffer.Entry{
			Decl:   buffer.Decl{Name: b.Name, Type: t},
			Offset: b.Offset,
			Size:   b.Size,
		})
	}
	return l, nil
}

// WriteMemoryMap sends MEMORY_MAP command.
func WriteMemoryMap(w io.Writer, mm MemoryMap) error {
	payload, err := json.Marshal(mm)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n%d\n%s", CmdMemoryMap, len(payload), payload)
	return err
}

// WriteProcessBlock sends PROCESS_BLOCK command.
func WriteProcessBlock(w io.Writer) error {
	_, err := io.WriteString(w, CmdProcessBlock+"\n")
	return err
}

// ReadCommand reads the next command. io.EOF is returned when the other
// side closed the pipe between commands.
func ReadCommand(r *bufio.Reader) (Command, error) {
	name, err := readLine(r)
	if err != nil {
		return Command{}, err
	}
	switch name {
	case CmdProcessBlock:
		return Command{Name: name}, nil
	case CmdMemoryMap:
		line, err := readLine(r)
		if err != nil {
			return Command{}, unexpectedEOF(err)
		}
		n, err := strconv.Atoi(line)
		if err != nil || n <= 0 || n > maxPayload {
			return Command{}, fmt.Errorf("payload length %q: %w", line, ErrProtocol)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Command{}, unexpectedEOF(err)
		}
		var mm MemoryMap
		if err := json.Unmarshal(payload, &mm); err != nil {
			return Command{}, fmt.Errorf("memory map: %v: %w", err, ErrProtocol)
		}
		return Command{Name: name, MemoryMap: &mm}, nil
	}
	return Command{}, fmt.Errorf("command %q: %w", name, ErrProtocol)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
