package util

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
)

// MaxFrameSize bounds the size of a frame read by ReadFrame
const MaxFrameSize = 1 << 30

// MaxLineSize bounds the size of one line read by Count
const MaxLineSize = 1 << 20

var ErrFrameTooLarge = fmt.Errorf("frame is larger than %d bytes", MaxFrameSize)

// WriteFrame writes b prefixed by its length as a little endian uint32.
func WriteFrame(w io.Writer, b []byte) error {
	if len(b) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// SafeReadLine blocks until a whole line can be read or
// r returns an error.
// ***warning: expects lines to be \n separated***
func SafeReadLine(r *bufio.Reader) (line []byte, err error) {
	line, err = r.ReadBytes('\n')
	if len(line) > 0 && line[len(line)-1] == '\n' {
		// strip the \n
		line = line[:len(line)-1]
	}
	return
}

// Exhaust all the lines in r, up to n non empty ones.
// Empty lines are skipped and not counted. The channel is closed once
// ctx is done, so a consumer stopping early cancels ctx.
func Exhaust(ctx context.Context, n int64, r io.Reader) <-chan []byte {
	// make the output channel
	var lines = make(chan []byte)
	// wrap r in a bufio reader
	src := bufio.NewReader(r)
	go func() {
		defer close(lines)
		for sent := int64(0); sent < n && ctx.Err() == nil; {
			line, err := SafeReadLine(src)
			if len(bytes.TrimSpace(line)) != 0 {
				select {
				case lines <- line:
					sent++
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					log.Printf("error reading lines: %v", err)
				}
				return
			}
		}
	}()

	return lines
}
