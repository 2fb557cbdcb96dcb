package pbft

import (
	"encoding/hex"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmjson "github.com/tendermint/tendermint/libs/json"

	"qosbft/internal/types"
)

// digest hashes a proposal's canonical JSON encoding, the same approach
// types/tx.go (chainbft_demo) uses for transaction hashing (tmhash.Sum),
// swapped to tendermint's JSON codec since QoSProof has no byte encoding
// of its own.
func digest(proof types.QoSProof) string {
	b, err := tmjson.Marshal(proof)
	if err != nil {
		// proof shapes are all JSON-marshalable value types; this would
		// only fire on a programming error.
		panic(err)
	}
	return hex.EncodeToString(tmhash.Sum(b))
}
