package self

import (
	"errors"
	"io"
	"sync"

	"github.com/tinyrange/selfdump/internal/mman"
)

var errReleased = errors.New("image already released")

// Image is a rebuilt ELF held in an anonymous mapping.
type Image struct {
	mu     sync.Mutex
	data   []byte
	mapper mman.Mapper
}

// Bytes returns the image contents. The slice is invalid after Release.
func (i *Image) Bytes() []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.data
}

func (i *Image) Size() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.data)
}

// WriteTo writes the whole image to w.
func (i *Image) WriteTo(w io.Writer) (int64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.data == nil {
		return 0, errReleased
	}
	n, err := w.Write(i.data)
	if err == nil && n != len(i.data) {
		err = io.ErrShortWrite
	}
	return int64(n), err
}

// Release unmaps the image. Further calls are no-ops.
func (i *Image) Release() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.data == nil {
		return nil
	}
	data := i.data
	i.data = nil
	return i.mapper.Munmap(data)
}
