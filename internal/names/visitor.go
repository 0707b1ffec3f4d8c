package names

import (
	"hash/fnv"
	"math/rand/v2"
)

// Anonymous visitor display names: a mild adjective plus an animal.
var (
	adjectives = []string{
		"Amber", "Brave", "Bright", "Calm", "Clever", "Cosmic", "Curious",
		"Gentle", "Golden", "Happy", "Honest", "Jolly", "Kind", "Lucky",
		"Mellow", "Misty", "Nimble", "Patient", "Polite", "Quiet", "Rapid",
		"Silver", "Sleepy", "Steady", "Sunny", "Swift", "Tidy", "Velvet",
		"Wandering", "Witty",
	}

	animals = []string{
		"Badger", "Beaver", "Bison", "Crane", "Dolphin", "Falcon", "Ferret",
		"Finch", "Fox", "Gecko", "Heron", "Ibis", "Koala", "Lemur", "Lynx",
		"Marten", "Moose", "Narwhal", "Ocelot", "Otter", "Owl", "Panda",
		"Puffin", "Quail", "Raven", "Seal", "Sparrow", "Tapir", "Walrus",
		"Wombat",
	}
)

// Generate returns a random visitor display name.
func Generate() string {
	return adjectives[rand.IntN(len(adjectives))] + " " + animals[rand.IntN(len(animals))]
}

// ForSession returns a display name that is stable for a visitor session id,
// so a reconnecting visitor keeps the same name.
func ForSession(sessionID string) string {
	if sessionID == "" {
		return Generate()
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(sessionID))
	sum := h.Sum64()
	adj := adjectives[sum%uint64(len(adjectives))]
	animal := animals[(sum/uint64(len(adjectives)))%uint64(len(animals))]
	return adj + " " + animal
}
