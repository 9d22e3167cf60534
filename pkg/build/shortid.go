package build

import (
	"math/big"

	"github.com/google/uuid"
)

// IDLength is the fixed length of a build id.
const IDLength = 22

// base57 without the look-alike characters 0, 1, I, O and l.
const idAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// NewID returns a random URL-safe id derived from a version 4 uuid.
func NewID() string {
	n := new(big.Int).SetBytes(uuidBytes())
	base := big.NewInt(int64(len(idAlphabet)))
	mod := new(big.Int)

	out := make([]byte, 0, IDLength)
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		out = append(out, idAlphabet[mod.Int64()])
	}
	for len(out) < IDLength {
		out = append(out, idAlphabet[0])
	}
	return string(out)
}

func uuidBytes() []byte {
	u := uuid.New()
	return u[:]
}
