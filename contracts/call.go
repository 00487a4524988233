package contracts

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrUnknownMethod is returned when a Call names a method its ABI lacks.
	ErrUnknownMethod = errors.New("contracts: unknown method")
	// ErrEmptyReturn is returned when a view call produced no data, usually
	// because the target has no code.
	ErrEmptyReturn = errors.New("contracts: empty return data")
)

// Call identifies one contract method invocation. The same Call value is used
// for reads, simulations and submissions so encoded arguments never diverge.
type Call struct {
	To     common.Address
	ABI    *abi.ABI
	Method string
	Args   []any
}

// Pack encodes the call data.
func (c Call) Pack() ([]byte, error) {
	if c.ABI == nil {
		return nil, fmt.Errorf("%w: %s has no abi", ErrUnknownMethod, c.Method)
	}
	if _, ok := c.ABI.Methods[c.Method]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, c.Method)
	}
	data, err := c.ABI.Pack(c.Method, c.Args...)
	if err != nil {
		return nil, fmt.Errorf("contracts: pack %s: %w", c.Method, err)
	}
	return data, nil
}

// Unpack decodes return data into the method's output values.
func (c Call) Unpack(data []byte) ([]any, error) {
	if c.ABI == nil {
		return nil, fmt.Errorf("%w: %s has no abi", ErrUnknownMethod, c.Method)
	}
	method, ok := c.ABI.Methods[c.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, c.Method)
	}
	if len(data) == 0 && len(method.Outputs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyReturn, c)
	}
	values, err := c.ABI.Unpack(c.Method, data)
	if err != nil {
		return nil, fmt.Errorf("contracts: unpack %s: %w", c.Method, err)
	}
	return values, nil
}

// UnpackInto decodes multi-value return data into a struct whose field names
// match the camel-cased output names.
func (c Call) UnpackInto(out any, data []byte) error {
	if c.ABI == nil {
		return fmt.Errorf("%w: %s has no abi", ErrUnknownMethod, c.Method)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyReturn, c)
	}
	if err := c.ABI.UnpackIntoInterface(out, c.Method, data); err != nil {
		return fmt.Errorf("contracts: unpack %s: %w", c.Method, err)
	}
	return nil
}

// Mutating reports whether the method changes state and must be simulated and
// signed rather than read.
func (c Call) Mutating() bool {
	if c.ABI == nil {
		return false
	}
	method, ok := c.ABI.Methods[c.Method]
	return ok && !method.IsConstant()
}

// Fingerprint hashes the target and encoded arguments. Two calls with equal
// fingerprints send identical transactions.
func (c Call) Fingerprint() (common.Hash, error) {
	data, err := c.Pack()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(c.To.Bytes(), data), nil
}

func (c Call) String() string {
	return fmt.Sprintf("%s@%s", c.Method, c.To.Hex())
}
