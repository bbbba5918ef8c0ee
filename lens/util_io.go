package lens

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// OutlineWriter duplicates trace output onto every destination, serializing writes so lines from
// several tracers do not interleave.
type OutlineWriter struct {
	mu      sync.Mutex
	writers []io.Writer
}

// NewOutlineWriter builds a writer over the non-nil writers given.
func NewOutlineWriter(writers ...io.Writer) *OutlineWriter {
	w := &OutlineWriter{}
	for _, dest := range writers {
		if dest != nil {
			w.writers = append(w.writers, dest)
		}
	}
	return w
}

func (w *OutlineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for _, dest := range w.writers {
		n, err := dest.Write(p)
		if err != nil {
			errs = append(errs, err)
		} else if n != len(p) {
			errs = append(errs, fmt.Errorf("short write %d != %d", n, len(p)))
		}
	}
	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return len(p), nil
}
