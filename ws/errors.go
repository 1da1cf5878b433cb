package ws

import (
	"errors"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/wire"
)

func newInvalidArgumentError(req *wire.ClientMsg, errs ...string) *wire.Error {
	return &wire.Error{
		Code:   wire.ErrorCodeInvalidArguments,
		Params: errs,
		Req:    req,
	}
}

func newInternalError(req *wire.ClientMsg) *wire.Error {
	return &wire.Error{
		Code:   wire.ErrorCodeInternal,
		Params: []string{"temp storage error"},
		Req:    req,
	}
}

// toWireError maps a service error to a client error frame. Storage details are not exposed.
func toWireError(req *wire.ClientMsg, err error) *wire.Error {
	switch {
	case errors.Is(err, chatstore.ErrInvalidArgument):
		return newInvalidArgumentError(req, err.Error())
	case errors.Is(err, chatstore.ErrNotFound):
		return &wire.Error{
			Code:   wire.ErrorCodeNotFound,
			Params: []string{err.Error()},
			Req:    req,
		}
	default:
		return newInternalError(req)
	}
}
