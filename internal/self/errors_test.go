package self

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		kind Kind
		code int
		err  error
	}{
		{KindNotSELF, -5, ErrNotSELF},
		{KindIO, -2, ErrIO},
		{KindFormat, -3, ErrFormat},
		{KindUnsupportedFirmware, -4, ErrUnsupportedFirmware},
		{KindDecryptionRefused, -6, ErrDecryptionRefused},
		{KindInternal, -3, ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if tt.kind.Code() != tt.code {
				t.Fatalf("Code = %d, want %d", tt.kind.Code(), tt.code)
			}

			err := fmt.Errorf("decrypt eboot.bin: %w", segmentError(tt.kind, "op", 3, io.ErrUnexpectedEOF))
			if !errors.Is(err, tt.err) {
				t.Fatalf("errors.Is(%v, %v) = false", err, tt.err)
			}
			if KindOf(err) != tt.kind {
				t.Fatalf("KindOf = %v", KindOf(err))
			}
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Fatal("cause not unwrapped")
			}
			for _, other := range tests {
				if other.kind != tt.kind && errors.Is(err, other.err) {
					t.Fatalf("%v also matches %v", tt.kind, other.kind)
				}
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	err := segmentError(KindDecryptionRefused, "lock segment", 4, errors.New("EIO"))
	if got, want := err.Error(), "lock segment (segment 4): segment decryption refused: EIO"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	err = newError(KindNotSELF, "read header", nil)
	if got, want := err.Error(), "read header: not a SELF"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestKindOfForeignError(t *testing.T) {
	if KindOf(io.EOF) != KindInvalid {
		t.Fatal("foreign errors have no kind")
	}
}
