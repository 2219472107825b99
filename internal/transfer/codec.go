package transfer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

const (
	cmdTopDir   byte = 'D'
	cmdDir      byte = 'd'
	cmdTopFile  byte = 'F'
	cmdFile     byte = 'f'
	cmdEnd      byte = 'e'
	cmdVanished byte = 's'
)

var errPathTooLong = errors.New("path too long")

func writePath(w *bufio.Writer, p string) error {
	if len(p) > math.MaxUint16 {
		return errPathTooLong
	}
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(p)))
	if _, err := w.Write(l[:]); err != nil {
		return err
	}
	_, err := w.WriteString(p)
	return err
}

func readPath(r *bufio.Reader) (string, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.BigEndian.Uint16(l[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", fmt.Errorf("path is not valid UTF-8")
	}
	return string(buf), nil
}

func writeInt64(w *bufio.Writer, v int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	_, err := w.Write(b[:])
	return err
}

func readInt64(r *bufio.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}
