package pkg

import (
	"io"
	"os"
	"sync"

	"go.uber.org/multierr"
)

// FanOutWriter copies every write to all of its writers. A failing writer
// does not stop the others, and the write only fails when none of them
// took the bytes. Failures are kept and can be read with Errors.
type FanOutWriter struct {
	mutex   sync.Mutex
	writers []io.Writer
	errs    error
}

func NewFanOutWriter(writers ...io.Writer) *FanOutWriter {
	return &FanOutWriter{
		writers: append([]io.Writer(nil), writers...),
	}
}

func (w *FanOutWriter) Write(p []byte) (int, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	var errs error
	written := false
	for _, writer := range w.writers {
		n, err := writer.Write(p)
		if err == nil && n < len(p) {
			err = io.ErrShortWrite
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		written = true
	}

	if errs != nil {
		w.errs = multierr.Append(w.errs, errs)
	}
	if !written && len(w.writers) > 0 {
		return 0, errs
	}
	return len(p), nil
}

// Errors returns every write failure seen so far.
func (w *FanOutWriter) Errors() []error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return multierr.Errors(w.errs)
}

// Close closes the writers that can be closed, leaving stdout and stderr open.
func (w *FanOutWriter) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	var err error
	for _, writer := range w.writers {
		if writer == os.Stdout || writer == os.Stderr {
			continue
		}
		if closer, ok := writer.(io.Closer); ok {
			err = multierr.Append(err, closer.Close())
		}
	}
	return err
}
