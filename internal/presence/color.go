package presence

import (
	"hash/fnv"

	"github.com/franciszver/lexforge-sub002/internal/collab"
)

var sessionPalette = []string{
	"#e6194b",
	"#3cb44b",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#42a5b3",
	"#f032e6",
	"#9a6324",
	"#808000",
	"#000075",
}

// ColorForSession returns a stable palette color for the session.
func ColorForSession(sessionID collab.SessionID) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(sessionID))
	return sessionPalette[hasher.Sum32()%uint32(len(sessionPalette))]
}
