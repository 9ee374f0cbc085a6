package config

import (
	"encoding/json"
	"hash/fnv"
)

// fingerprint hashes the JSON form of v. Reloads compare fingerprints to
// skip editor saves that leave the decoded config unchanged. A value that
// cannot be marshaled yields 0, which never matches.
func fingerprint(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return sum64(b)
}

func sum64(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}
