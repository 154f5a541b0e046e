package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"sync/atomic"

	"github.com/rotisserie/eris"
)

// csvOptions configures the streaming CSV parser.
type csvOptions struct {
	Delimiter rune            // default ','
	HeaderCh  chan<- []string // receives the header row before any data row
	BadRows   *atomic.Int64   // counts malformed data rows that were skipped
}

// streamCSV reads a CSV stream and sends data rows to a channel. The first
// row is treated as a header. Both channels are closed when reading completes.
// A data row the CSV reader cannot parse is skipped and counted in BadRows;
// a malformed header or an I/O error ends the stream.
func streamCSV(ctx context.Context, r io.Reader, opts csvOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.FieldsPerRecord = -1
		reader.ReuseRecord = false

		first := true
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "loader: csv cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				if first {
					errCh <- eris.New("loader: csv has no header row")
				}
				return
			}
			var perr *csv.ParseError
			if err != nil && !first && errors.As(err, &perr) {
				if opts.BadRows != nil {
					opts.BadRows.Add(1)
				}
				continue
			}
			if err != nil {
				errCh <- eris.Wrap(err, "loader: csv read row")
				return
			}

			if first {
				first = false
				if opts.HeaderCh != nil {
					select {
					case opts.HeaderCh <- record:
					case <-ctx.Done():
						errCh <- eris.Wrap(ctx.Err(), "loader: csv cancelled sending header")
						return
					}
				}
				continue
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "loader: csv cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}
