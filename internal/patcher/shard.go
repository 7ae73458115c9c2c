package patcher

import "strconv"

// Shard selects the records one worker owns: those whose hash modulo
// Modulus equals Remainder.
type Shard struct {
	Modulus   int `json:"modulus"`
	Remainder int `json:"remainder"`
}

// ShardHash reads the first eight characters of id as a hex number. Ids
// that do not start with hex digits hash to 1.
func ShardHash(id string) int {
	prefix := id
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	n, err := strconv.ParseUint(prefix, 16, 64)
	if err != nil {
		return 1
	}
	return int(n)
}

// Claims reports whether id belongs to the shard. A zero or single shard
// claims everything.
func (s Shard) Claims(id string) bool {
	if s.Modulus <= 1 {
		return true
	}
	return ShardHash(id)%s.Modulus == s.Remainder
}

func (s Shard) String() string {
	return strconv.Itoa(s.Remainder) + "/" + strconv.Itoa(s.Modulus)
}
