package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// These tests exercise the pure key-building logic without dialing Redis;
// ShareCache's network methods require a live server and are validated in
// deployment, not in this unit test (consistent with the teacher's own
// storage tests, which likewise never dial a real database).
func TestShareCacheKeyJoinsPartsWithPrefix(t *testing.T) {
	r := &ShareCache{keyPrefix: "sv2:"}
	require.Equal(t, "sv2:share:abc", r.key("share", "abc"))
	require.Equal(t, "sv2:downstreams:online", r.key("downstreams", "online"))
}

func TestShareCacheKeySingleComponent(t *testing.T) {
	r := &ShareCache{keyPrefix: "test:"}
	require.Equal(t, "test:solo", r.key("solo"))
}
