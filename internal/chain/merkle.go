package chain

import "github.com/nilotic/ledger/internal/hashutil"

// MerkleRoot returns "0" for an empty list, otherwise repeatedly
// pair-reduces with SHA-256(left ++ right), duplicating the last element
// of an odd-length level to form its own pair.
func MerkleRoot(txHashes []string) string {
	if len(txHashes) == 0 {
		return "0"
	}

	level := make([]string, len(txHashes))
	copy(level, txHashes)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashutil.SHA256Hex(level[i], level[i+1]))
		}
		level = next
	}

	return level[0]
}
