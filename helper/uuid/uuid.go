// Package uuid provides helpers for generating identifiers.
package uuid

import (
	gouuid "github.com/hashicorp/go-uuid"
)

// Generate returns a random UUID string. It panics if the source of
// randomness fails, as there is no sensible way to continue without one.
func Generate() string {
	id, err := gouuid.GenerateUUID()
	if err != nil {
		panic(err)
	}
	return id
}

// Short returns the first eight characters of a generated UUID for
// contexts where a full UUID is unnecessarily wide, such as generated
// resource names.
func Short() string {
	return Generate()[:8]
}
