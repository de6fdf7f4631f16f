package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
	"github.com/mcprotocol/mcprotocol-go/pkg/logging"
	"github.com/mcprotocol/mcprotocol-go/pkg/observability"
	"github.com/mcprotocol/mcprotocol-go/pkg/protocol"
)

// lineWriter frames envelopes one per line. Writes are serialized so
// concurrent senders never interleave.
type lineWriter struct {
	mu        sync.Mutex
	w         *bufio.Writer
	transport string
	closed    bool
}

func newLineWriter(w io.Writer, transport string) *lineWriter {
	return &lineWriter{w: bufio.NewWriter(w), transport: transport}
}

func (lw *lineWriter) writeMessage(msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return mcperrors.SerializationError("encoded envelope contains a newline", nil)
	}

	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.closed {
		return mcperrors.ConnectionClosed(lw.transport, "writer closed")
	}
	if _, err := lw.w.Write(data); err != nil {
		return lw.writeError(err)
	}
	if err := lw.w.WriteByte('\n'); err != nil {
		return lw.writeError(err)
	}
	if err := lw.w.Flush(); err != nil {
		return lw.writeError(err)
	}
	return nil
}

func (lw *lineWriter) writeError(err error) error {
	if isBrokenPipe(err) {
		return mcperrors.ConnectionClosed(lw.transport, err.Error())
	}
	return mcperrors.TransportError(lw.transport, "write", err)
}

// close makes every later write fail. It does not close the underlying
// writer.
func (lw *lineWriter) close() {
	lw.mu.Lock()
	lw.closed = true
	lw.mu.Unlock()
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// lineReader reads newline-terminated frames of at most max bytes
type lineReader struct {
	r   *bufio.Reader
	max int
}

var errLineTooLong = errors.New("line exceeds max_message_size")

func newLineReader(r io.Reader, bufSize, max int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, bufSize), max: max}
}

// next returns the next line without its terminator. An oversized line is
// consumed entirely and reported as errLineTooLong so the caller can resume.
func (lr *lineReader) next() ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := lr.r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > lr.max+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case err == nil:
			if tooLong {
				return nil, errLineTooLong
			}
			return bytes.TrimRight(line, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0 && !tooLong:
			// final line without a terminator
			return bytes.TrimRight(line, "\r\n"), nil
		default:
			return nil, err
		}
	}
}

// readLoop parses frames from r into box until EOF or a read error, then
// closes box with a connection closed error.
func readLoop(ctx context.Context, r *lineReader, box *mailbox, transport string, logger logging.Logger, metrics *observability.Metrics) error {
	for {
		line, err := r.next()
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				serr := mcperrors.SerializationError(fmt.Sprintf("%s (%d bytes)", errLineTooLong, r.max), nil)
				logger.Warn("Dropped oversized frame", logging.ErrorField(serr))
				metrics.RecordError(transport, string(mcperrors.CategorySerialization))
				if !box.put(ctx, inbound{err: serr}) {
					return nil
				}
				continue
			}

			reason := "end of stream"
			if !errors.Is(err, io.EOF) && !isBrokenPipe(err) {
				reason = err.Error()
				logger.Debug("Read loop stopped", logging.ErrorField(err))
			}
			box.close(mcperrors.ConnectionClosed(transport, reason))
			return nil
		}

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		msg, perr := protocol.Parse(line)
		if perr != nil {
			logger.Warn("Failed to parse frame", logging.ErrorField(perr))
			metrics.RecordError(transport, string(mcperrors.CategorySerialization))
			if !box.put(ctx, inbound{err: perr}) {
				return nil
			}
			continue
		}

		metrics.RecordMessage(transport, observability.DirectionInbound, string(msg.Kind()))
		if !box.put(ctx, inbound{msg: msg}) {
			return nil
		}
	}
}
