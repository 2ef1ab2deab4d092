package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// qcow2Magic is "QFI\xfb" at offset 0.
	// https://www.qemu.org/docs/master/interop/qcow2.html
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// mbrSignature ends the first sector of MBR disks and of the protective
	// MBR on GPT disks.
	mbrSignature = []byte{0x55, 0xaa}
)

const mbrSignatureOffset = 510

// ErrUnknownImageFormat is returned for content that is neither qcow2 nor
// a bootable raw disk.
var ErrUnknownImageFormat = errors.New("unsupported image: not qcow2 and missing boot sector signature")

// DetectImageFormat reports the format of the image file at filePath.
func DetectImageFormat(filePath string) (VolumeFormat, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return DetectFormat(f)
}

// DetectFormat sniffs qcow2 magic at offset 0, then an MBR boot signature
// at offset 510.
func DetectFormat(r io.ReaderAt) (VolumeFormat, error) {
	magic := make([]byte, len(qcow2Magic))
	if _, err := r.ReadAt(magic, 0); err != nil {
		return "", fmt.Errorf("image too small (< %d bytes): %w", len(qcow2Magic), err)
	}
	if bytes.Equal(magic, qcow2Magic) {
		return VolumeFormatQCOW2, nil
	}

	sig := make([]byte, len(mbrSignature))
	if _, err := r.ReadAt(sig, mbrSignatureOffset); err != nil {
		return "", fmt.Errorf("image too small for a boot sector: %w", err)
	}
	if bytes.Equal(sig, mbrSignature) {
		return VolumeFormatRaw, nil
	}

	return "", ErrUnknownImageFormat
}
