package dataset

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	npyMagic     = "\x93NUMPY"
	npyAlignment = 64
)

// writeNPYHeader writes a version 1.0 header. The header is space padded and ends
// in a newline so the data starts on an aligned offset.
func writeNPYHeader(w io.Writer, descr string, shape []int) error {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	tuple := strings.Join(dims, ", ")
	if len(shape) == 1 {
		tuple += ","
	}

	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr, tuple)
	preamble := len(npyMagic) + 2 + 2
	pad := npyAlignment - (preamble+len(dict)+1)%npyAlignment
	if pad == npyAlignment {
		pad = 0
	}
	header := dict + strings.Repeat(" ", pad) + "\n"
	if len(header) > 0xffff {
		return fmt.Errorf("npy header too long: %d bytes", len(header))
	}

	buf := make([]byte, 0, preamble+len(header))
	buf = append(buf, npyMagic...)
	buf = append(buf, 1, 0)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(header)))
	buf = append(buf, header...)
	_, err := w.Write(buf)
	return err
}

// WriteFloat32 writes samples as one little-endian float32 array of shape
// (len(samples), dims...). Every sample must hold exactly prod(dims) values.
func WriteFloat32(w io.Writer, samples [][]float32, dims ...int) error {
	per := 1
	for _, d := range dims {
		per *= d
	}
	shape := append([]int{len(samples)}, dims...)
	if err := writeNPYHeader(w, "<f4", shape); err != nil {
		return err
	}

	for i, s := range samples {
		if len(s) != per {
			return fmt.Errorf("sample %d has %d values, want %d", i, len(s), per)
		}
		if err := binary.Write(w, binary.LittleEndian, s); err != nil {
			return err
		}
	}
	return nil
}

// WriteInt64 writes values as a one-dimensional little-endian int64 array.
func WriteInt64(w io.Writer, values []int64) error {
	if err := writeNPYHeader(w, "<i8", []int{len(values)}); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, values)
}

// writeFile creates path through a temporary file so a failed run never leaves a
// truncated array behind.
func writeFile(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriterSize(tmp, 1<<20)
	if err := write(bw); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
