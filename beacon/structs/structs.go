// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"bytes"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

const (
	// DefaultNamespace is the namespace used when a request leaves it unset.
	DefaultNamespace = "public"

	// DefaultGroup is the group used for both services and configs when a
	// request leaves it unset.
	DefaultGroup = "DEFAULT_GROUP"

	// DefaultCluster is the cluster instances register into when the request
	// does not name one.
	DefaultCluster = "DEFAULT"
)

// Envelope codes returned in the {code, message, data} response wrapper. The
// mapping is stable; clients switch on these values.
const (
	CodeOK                = 0
	CodeInvalidArgument   = 40001
	CodeUnauthenticated   = 40101
	CodeForbidden         = 40301
	CodeNotFound          = 40401
	CodeAlreadyExists     = 40901
	CodeConflict          = 40902
	CodeResourceExhausted = 42901
	CodeInternal          = 50001
	CodeUnavailable       = 50301
	CodeDeadlineExceeded  = 50401
)

// RPCInfo is implemented by all RPC request types.
type RPCInfo interface {
	IsRead() bool
	TimeToBlock() time.Duration
}

// QueryOptions is embedded by read requests.
type QueryOptions struct {
	// AuthToken is the bearer token for the request, when present.
	AuthToken string

	// Namespace the query targets. Defaults to DefaultNamespace.
	Namespace string

	// MaxQueryTime bounds a blocking query (config long-poll).
	MaxQueryTime time.Duration
}

func (q QueryOptions) IsRead() bool { return true }

func (q QueryOptions) TimeToBlock() time.Duration { return q.MaxQueryTime }

// WriteRequest is embedded by mutating requests.
type WriteRequest struct {
	AuthToken string
	Namespace string
}

func (w WriteRequest) IsRead() bool               { return false }
func (w WriteRequest) TimeToBlock() time.Duration { return 0 }

// QueryMeta carries read metadata back to the caller.
type QueryMeta struct {
	// Index the read was performed at.
	Index uint64
}

// WriteMeta carries write metadata back to the caller.
type WriteMeta struct {
	// Index at which the write committed.
	Index uint64
}

// GenericResponse acknowledges a write with no payload.
type GenericResponse struct {
	WriteMeta
}

// PageRequest is 1-based paging shared by list endpoints.
type PageRequest struct {
	PageNo   int
	PageSize int
}

// Bounds clamps the request to sane values and returns the half-open range
// [offset, offset+limit) to slice.
func (p PageRequest) Bounds(total int) (offset, limit int) {
	no, size := p.PageNo, p.PageSize
	if no < 1 {
		no = 1
	}
	if size < 1 {
		size = 20
	}
	offset = (no - 1) * size
	if offset > total {
		offset = total
	}
	limit = size
	if offset+limit > total {
		limit = total - offset
	}
	return offset, limit
}

// msgpackHandle is a shared handle for encoding/decoding of structs
var msgpackHandle = &codec.MsgpackHandle{}

// MsgpackHandle returns the shared handle used for wire and storage
// encoding.
func MsgpackHandle() *codec.MsgpackHandle { return msgpackHandle }

// Decode is used to decode a MsgPack encoded object
func Decode(buf []byte, out interface{}) error {
	return codec.NewDecoder(bytes.NewReader(buf), msgpackHandle).Decode(out)
}

// Encode is used to encode a MsgPack object
func Encode(msg interface{}) ([]byte, error) {
	var buf bytes.Buffer
	err := codec.NewEncoder(&buf, msgpackHandle).Encode(msg)
	return buf.Bytes(), err
}
