package gpu

import (
	"bytes"
	"testing"
)

func TestTightenRowsStripsPitchPadding(t *testing.T) {
	const rows, bytesPerRow, alignedBytesPerRow = 3, 4, 8
	aligned := make([]byte, alignedBytesPerRow*rows)
	for row := 0; row < rows; row++ {
		for i := 0; i < bytesPerRow; i++ {
			aligned[row*alignedBytesPerRow+i] = byte(row*bytesPerRow + i)
		}
	}

	got := tightenRows(aligned, bytesPerRow, alignedBytesPerRow, rows)

	want := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	if !bytes.Equal(got, want) {
		t.Errorf("tightened = %v, want %v", got, want)
	}
}

func TestTightenRowsAlignedPassThrough(t *testing.T) {
	aligned := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	got := tightenRows(aligned, 4, 4, 2)
	if !bytes.Equal(got, aligned) {
		t.Errorf("tightened = %v, want %v", got, aligned)
	}
}
