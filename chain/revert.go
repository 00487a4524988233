package chain

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"lendclient/contracts"
)

// RevertError is an EVM revert with whatever the node told us about it.
type RevertError struct {
	// Name is the custom error name or "Error"/"Panic" for the builtins.
	Name string
	// Reason is the decoded Error(string) message, if any.
	Reason string
	Args   []any
	Data   []byte
	// Message is the raw node error text.
	Message string
}

func (e *RevertError) Error() string {
	switch {
	case e.Name != "" && e.Name != "Error" && len(e.Args) > 0:
		return fmt.Sprintf("execution reverted: %s%v", e.Name, e.Args)
	case e.Name != "" && e.Name != "Error":
		return "execution reverted: " + e.Name
	case e.Reason != "":
		return "execution reverted: " + e.Reason
	case e.Message != "":
		return e.Message
	default:
		return "execution reverted"
	}
}

// Text returns every human-readable fragment of the revert for matching.
func (e *RevertError) Text() string {
	return strings.Join([]string{e.Name, e.Reason, e.Message}, " ")
}

var panicSelector = []byte{0x4e, 0x48, 0x7b, 0x71}

type dataError interface {
	Error() string
	ErrorData() interface{}
}

// AsRevert extracts a RevertError from a node error. ok is false for
// transport failures that never reached the EVM.
func AsRevert(err error) (*RevertError, bool) {
	if err == nil {
		return nil, false
	}
	var revert *RevertError
	if errors.As(err, &revert) {
		return revert, true
	}
	var withData dataError
	if errors.As(err, &withData) {
		if raw, ok := withData.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(raw); decodeErr == nil && len(data) > 0 {
				out := DecodeRevertData(data)
				out.Message = err.Error()
				return out, true
			}
		}
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "execution reverted") {
		out := &RevertError{Message: msg}
		if _, reason, found := strings.Cut(msg, "execution reverted: "); found {
			out.Reason = strings.TrimSpace(reason)
		}
		return out, true
	}
	return nil, false
}

// DecodeRevertData decodes Error(string), Panic(uint256) and custom errors
// declared by any known contract.
func DecodeRevertData(data []byte) *RevertError {
	out := &RevertError{Data: data}
	if len(data) < 4 {
		return out
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		out.Name = "Error"
		if bytes.Equal(data[:4], panicSelector) {
			out.Name = "Panic"
		}
		out.Reason = reason
		return out
	}
	for _, parsed := range contracts.All() {
		for name, abiErr := range parsed.Errors {
			if !bytes.Equal(data[:4], abiErr.ID[:4]) {
				continue
			}
			out.Name = name
			if values, err := abiErr.Unpack(data); err == nil {
				if args, ok := values.([]interface{}); ok {
					out.Args = args
				}
			}
			return out
		}
	}
	return out
}
