package chat

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/TernSecure/realtime-server/internal/models"
)

const roomSeparator = "_"

// ValidIdentifier rejects ids that would make a room id ambiguous.
func ValidIdentifier(id string) bool {
	return strings.TrimSpace(id) != "" && !strings.Contains(id, roomSeparator)
}

// RoomID is the same for both participants regardless of who sends.
func RoomID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + roomSeparator + ids[1]
}

// Participants splits a room id back into its two identities.
func Participants(roomID string) (string, string, bool) {
	a, b, ok := strings.Cut(roomID, roomSeparator)
	if !ok || a == "" || b == "" || strings.Contains(b, roomSeparator) {
		return "", "", false
	}
	return a, b, true
}

// Peer returns the other participant of roomID, or false when clientID is
// not one of them.
func Peer(roomID, clientID string) (string, bool) {
	a, b, ok := Participants(roomID)
	switch {
	case !ok:
		return "", false
	case a == clientID:
		return b, true
	case b == clientID:
		return a, true
	}
	return "", false
}

func authorize(roomID, clientID string) error {
	if _, ok := Peer(roomID, clientID); !ok {
		return fmt.Errorf("%w: %s is not a participant of %s", models.ErrAuthorization, clientID, roomID)
	}
	return nil
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewMessageID is the zero-padded creation time in milliseconds followed by
// nine random base36 characters, so ids sort in creation order.
func NewMessageID(now time.Time) string {
	var suffix [9]byte
	max := big.NewInt(int64(len(base36)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			n = big.NewInt(0)
		}
		suffix[i] = base36[n.Int64()]
	}
	return fmt.Sprintf("%013d_%s", now.UnixMilli(), suffix[:])
}
