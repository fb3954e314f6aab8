package docsync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/franciszver/lexforge-sub002/internal/collab"
)

// ErrInvalidResolution indicates an unknown conflict resolution.
var ErrInvalidResolution = errors.New("docsync: invalid conflict resolution")

// Resolution is the operator's choice after a conflict.
type Resolution string

const (
	// ResolutionKeepLocal force-saves the content the user last tried to sync.
	ResolutionKeepLocal Resolution = "keep-local"
	// ResolutionTakeServer adopts the server version; the caller reloads server content.
	ResolutionTakeServer Resolution = "take-server"
)

// ParseResolution validates a raw resolution value.
func ParseResolution(rawInput string) (Resolution, error) {
	switch Resolution(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ResolutionKeepLocal:
		return ResolutionKeepLocal, nil
	case ResolutionTakeServer:
		return ResolutionTakeServer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResolution, rawInput)
	}
}

// Conflict describes a divergent write by another user.
type Conflict struct {
	DocumentID   collab.DocumentID
	LocalVersion int64
	Server       collab.SyncState
}

type writeDecision int

const (
	decisionWrite writeDecision = iota
	decisionConflict
	decisionAdopt
)

// decideWrite applies the optimistic concurrency rule for an unforced write.
//
// A server version ahead of localVersion is a conflict only when another user produced it.
// Versions advanced by the same user's other sessions are overwritten (last write wins among
// one user's sessions); the new version is still stored.Version+1.
// Content identical to the stored fingerprint is adopted without writing.
func decideWrite(localVersion int64, stored collab.SyncState, userID collab.UserID, contentHash string) writeDecision {
	if stored.ContentHash != "" && stored.ContentHash == contentHash {
		return decisionAdopt
	}
	if stored.Version > localVersion && stored.LastModifiedBy != userID {
		return decisionConflict
	}
	return decisionWrite
}

// isRemoteConflict reports whether an inbound state should warn a passive reader.
func isRemoteConflict(localVersion int64, incoming collab.SyncState, userID collab.UserID) bool {
	return incoming.Version > localVersion && incoming.LastModifiedBy != userID
}
