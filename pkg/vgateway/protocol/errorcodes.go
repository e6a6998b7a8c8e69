package protocol

import (
	"github.com/abdullah1854/MCPGateway-sub000/pkg/gwerrors"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/rpc"
)

// codeFor maps a Backend Manager error onto its JSON-RPC equivalent: a
// routing miss is MethodNotFound, everything else backend-side is
// InternalError (the gateway never implicitly reconnects or retries).
func codeFor(err error) int {
	switch {
	case gwerrors.IsRoutingMiss(err):
		return rpc.CodeMethodNotFound
	case gwerrors.IsInvalidArgument(err), gwerrors.IsValidation(err):
		return rpc.CodeInvalidParams
	default:
		return rpc.CodeInternalError
	}
}
