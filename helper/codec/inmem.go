// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package codec

import (
	"errors"
	"fmt"
	"net/rpc"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var inmemHandle = &codec.MsgpackHandle{}

// clone deep-copies src into dst via a msgpack round trip so callers and
// handlers never share pointers.
func clone(dst, src interface{}) error {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, inmemHandle).Encode(src); err != nil {
		return err
	}
	return codec.NewDecoderBytes(buf, inmemHandle).Decode(dst)
}

// InmemCodec is used to do an RPC call without going over a network
type InmemCodec struct {
	Method string
	Args   interface{}
	Reply  interface{}
	Err    error
}

func (i *InmemCodec) ReadRequestHeader(req *rpc.Request) error {
	req.ServiceMethod = i.Method
	return nil
}

func (i *InmemCodec) ReadRequestBody(args interface{}) error {
	if args == nil {
		return nil
	}
	if err := clone(args, i.Args); err != nil {
		return fmt.Errorf("error copying arguments to %s rpc: %w", i.Method, err)
	}
	return nil
}

func (i *InmemCodec) WriteResponse(resp *rpc.Response, reply interface{}) error {
	if resp.Error != "" {
		i.Err = errors.New(resp.Error)
		return nil
	}
	if err := clone(i.Reply, reply); err != nil {
		return fmt.Errorf("error copying reply from %s rpc: %w", i.Method, err)
	}
	return nil
}

func (i *InmemCodec) Close() error {
	return nil
}
