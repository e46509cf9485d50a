package store

import (
	"errors"

	"github.com/KevoDB/ctree/pkg/compression"
	"github.com/KevoDB/ctree/pkg/format"
	"github.com/KevoDB/ctree/pkg/storage"
	"github.com/KevoDB/ctree/pkg/trie"
)

var (
	// ErrStoreClosed is returned when operations are performed on a closed store
	ErrStoreClosed = errors.New("store is closed")
	// ErrNotInBulkSession is returned by writes outside a bulk session
	ErrNotInBulkSession = errors.New("not in a bulk session")
	// ErrBulkSessionActive is returned by operations that need the file at rest
	ErrBulkSessionActive = errors.New("bulk session active")
)

// errorType maps an error to the label used in statistics
func errorType(err error) string {
	switch {
	case errors.Is(err, format.ErrUnknownSymbol):
		return "unknown_symbol"
	case errors.Is(err, format.ErrAddressOverflow):
		return "address_overflow"
	case errors.Is(err, trie.ErrValueTooLarge):
		return "value_too_large"
	case errors.Is(err, compression.ErrInvalidCompressedData):
		return "corrupt_value"
	case errors.Is(err, storage.ErrWriteHandleUnavailable):
		return "write_handle_unavailable"
	default:
		return "io_error"
	}
}
