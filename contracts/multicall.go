package contracts

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Multicall3Address is the canonical deployment shared by most EVM networks.
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

type multicallRequest struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// MulticallResult is one entry of an aggregate3 response.
type MulticallResult struct {
	Success    bool
	ReturnData []byte
}

// MulticallContract batches view calls into a single eth_call.
type MulticallContract struct {
	Address common.Address
}

// Aggregate3 builds an aggregate3 call. Every sub-call may fail independently.
func (m MulticallContract) Aggregate3(calls []Call) (Call, error) {
	requests := make([]multicallRequest, 0, len(calls))
	for _, c := range calls {
		data, err := c.Pack()
		if err != nil {
			return Call{}, err
		}
		requests = append(requests, multicallRequest{Target: c.To, AllowFailure: true, CallData: data})
	}
	return Call{To: m.Address, ABI: ParsedMulticall3, Method: "aggregate3", Args: []any{requests}}, nil
}

// DecodeAggregate3 decodes the aggregate3 response.
func DecodeAggregate3(data []byte) ([]MulticallResult, error) {
	values, err := (MulticallContract{}).aggregateCall().Unpack(data)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: aggregate3 returned %d values", ErrMalformed, len(values))
	}
	results := *abi.ConvertType(values[0], new([]MulticallResult)).(*[]MulticallResult)
	return results, nil
}

func (m MulticallContract) aggregateCall() Call {
	return Call{To: m.Address, ABI: ParsedMulticall3, Method: "aggregate3"}
}
