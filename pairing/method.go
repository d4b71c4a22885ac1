package pairing

import "fmt"

// MethodKind discriminates how a pairing peer was located.
type MethodKind uint8

const (
	// MethodCode locates a peer through a human-relayed pairing code.
	MethodCode MethodKind = iota + 1
	// MethodDirect locates a peer through local-network discovery.
	MethodDirect
)

// Method records the provenance of a pairing attempt. It is threaded through
// the handshake so both sides log and display the same origin.
type Method struct {
	Kind MethodKind `cbor:"kind"`
	Code string     `cbor:"code,omitempty"`
}

// CodeMethod builds the code-based method variant.
func CodeMethod(code string) Method {
	return Method{Kind: MethodCode, Code: code}
}

// DirectMethod builds the local-discovery method variant.
func DirectMethod() Method {
	return Method{Kind: MethodDirect}
}

// Validate rejects unknown kinds and malformed code payloads.
func (m Method) Validate() error {
	switch m.Kind {
	case MethodCode:
		return ValidateCode(m.Code)
	case MethodDirect:
		if m.Code != "" {
			return fmt.Errorf("direct method must not carry a code")
		}
		return nil
	default:
		return fmt.Errorf("unknown pairing method kind %d", m.Kind)
	}
}

// String describes the method for logs and display.
func (m Method) String() string {
	switch m.Kind {
	case MethodCode:
		return "code"
	case MethodDirect:
		return "direct"
	default:
		return fmt.Sprintf("unknown(%d)", m.Kind)
	}
}
