package matebank

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

func writeFragment(buf *bytes.Buffer, f Fragment) {
	var flags uint8
	if f.Reverse {
		flags |= 1 << 0
	}
	if f.MateReverse {
		flags |= 1 << 1
	}
	if f.LowQuality {
		flags |= 1 << 2
	}
	if f.Aligned {
		flags |= 1 << 3
	}

	var hdr [2 + 8 + 4 + 1 + 1]byte
	binary.LittleEndian.PutUint16(hdr[0:2], f.ReadLength)
	binary.LittleEndian.PutUint64(hdr[2:10], f.Key)
	binary.LittleEndian.PutUint32(hdr[10:14], uint32(f.ReferenceID))
	hdr[14] = flags
	hdr[15] = f.ReadNumber
	buf.Write(hdr[:])

	writeBytesField(buf, f.Sequence)
	writeBytesField(buf, f.Qualities)
	writeStringField(buf, f.SpotGroup)
	writeStringField(buf, f.LinkageGroup)
}

func readFragment(r io.Reader) (Fragment, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Fragment{}, fmt.Errorf("matebank: truncated fragment header: %w", err)
	}
	flags := hdr[14]
	f := Fragment{
		ReadLength:  binary.LittleEndian.Uint16(hdr[0:2]),
		Key:         binary.LittleEndian.Uint64(hdr[2:10]),
		ReferenceID: int32(binary.LittleEndian.Uint32(hdr[10:14])),
		Reverse:     flags&(1<<0) != 0,
		MateReverse: flags&(1<<1) != 0,
		LowQuality:  flags&(1<<2) != 0,
		Aligned:     flags&(1<<3) != 0,
		ReadNumber:  hdr[15],
	}
	var err error
	if f.Sequence, err = readBytesField(r); err != nil {
		return Fragment{}, err
	}
	if f.Qualities, err = readBytesField(r); err != nil {
		return Fragment{}, err
	}
	if f.SpotGroup, err = readStringField(r); err != nil {
		return Fragment{}, err
	}
	if f.LinkageGroup, err = readStringField(r); err != nil {
		return Fragment{}, err
	}
	return f, nil
}

func writeBytesField(buf *bytes.Buffer, data []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

func readBytesField(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("matebank: truncated field length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("matebank: truncated field data: %w", err)
	}
	return data, nil
}

func writeStringField(buf *bytes.Buffer, s string) {
	writeBytesField(buf, []byte(s))
}

func readStringField(r io.Reader) (string, error) {
	data, err := readBytesField(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
