package utils

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DecodedCalldataParam represents a single decoded parameter from calldata.
type DecodedCalldataParam struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// DecodedCall is calldata matched against one of the known token methods.
type DecodedCall struct {
	Method    string                  `json:"method"`
	Signature string                  `json:"signature"`
	Params    []*DecodedCalldataParam `json:"params"`

	// Values holds the unpacked go-ethereum abi values in argument order.
	Values []interface{} `json:"-"`
}

type knownMethod struct {
	name      string
	signature string
	args      abi.Arguments
	selector  []byte
}

// token methods inspected by the protectors
var knownMethods = mustKnownMethods(
	"transfer(address,uint256)",
	"transferFrom(address,address,uint256)",
	"approve(address,uint256)",
	"setApprovalForAll(address,bool)",
	"safeTransferFrom(address,address,uint256)",
	"safeTransferFrom(address,address,uint256,bytes)",
	"safeTransferFrom(address,address,uint256,uint256,bytes)",
	"safeBatchTransferFrom(address,address,uint256[],uint256[],bytes)",
	"increaseAllowance(address,uint256)",
	"permit(address,address,uint256,uint256,uint8,bytes32,bytes32)",
)

func mustKnownMethods(signatures ...string) []*knownMethod {
	methods := make([]*knownMethod, 0, len(signatures))
	for _, sig := range signatures {
		args, err := parseSignatureArgs(sig)
		if err != nil {
			panic(fmt.Sprintf("invalid known method %v: %v", sig, err))
		}
		methods = append(methods, &knownMethod{
			name:      sig[:strings.Index(sig, "(")],
			signature: sig,
			args:      args,
			selector:  crypto.Keccak256([]byte(sig))[:4],
		})
	}
	return methods
}

// MethodSelector returns the 4-byte selector of a function signature.
func MethodSelector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// DecodeKnownCall matches the selector of data against the known token
// methods and unpacks the arguments. ok is false for unknown selectors and
// for calldata that does not unpack cleanly.
func DecodeKnownCall(data []byte) (call *DecodedCall, ok bool) {
	if len(data) < 4 {
		return nil, false
	}

	for _, method := range knownMethods {
		if !bytes.Equal(data[:4], method.selector) {
			continue
		}

		values, err := method.args.Unpack(data[4:])
		if err != nil || len(values) != len(method.args) {
			continue
		}

		call = &DecodedCall{
			Method:    method.name,
			Signature: method.signature,
			Params:    make([]*DecodedCalldataParam, len(values)),
			Values:    values,
		}
		for i, arg := range method.args {
			call.Params[i] = &DecodedCalldataParam{
				Name:  arg.Name,
				Type:  arg.Type.String(),
				Value: formatABIValue(values[i]),
			}
		}
		return call, true
	}

	return nil, false
}

// parseSignatureArgs parses the parameter types from a function signature
// and returns abi.Arguments. Tuple parameters are not needed here.
func parseSignatureArgs(signature string) (abi.Arguments, error) {
	parenIdx := strings.Index(signature, "(")
	if parenIdx < 0 || !strings.HasSuffix(signature, ")") {
		return nil, fmt.Errorf("invalid signature format")
	}

	argsStr := signature[parenIdx+1 : len(signature)-1]
	if argsStr == "" {
		return abi.Arguments{}, nil
	}

	typeStrs := strings.Split(argsStr, ",")
	args := make(abi.Arguments, 0, len(typeStrs))

	for i, ts := range typeStrs {
		ts = strings.TrimSpace(ts)
		if strings.Contains(ts, "(") {
			return nil, fmt.Errorf("tuple type %q not supported", ts)
		}

		abiType, err := abi.NewType(ts, "", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to parse type %q: %w", ts, err)
		}

		args = append(args, abi.Argument{
			Name: fmt.Sprintf("arg%d", i),
			Type: abiType,
		})
	}

	return args, nil
}

// formatABIValue formats a decoded ABI value to a human-readable string.
func formatABIValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "<nil>"
	case common.Address:
		return v.Hex()
	case *big.Int:
		return v.String()
	case []byte:
		return "0x" + hex.EncodeToString(v)
	case [32]byte:
		return "0x" + hex.EncodeToString(v[:])
	case []*big.Int:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = n.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}
