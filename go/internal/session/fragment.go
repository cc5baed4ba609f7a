package session

import (
	"regexp"
	"strings"

	"github.com/mcdev12/roomsync/go/internal/models"
)

var joinFragment = regexp.MustCompile(`#join:([0-9a-f-]+)$`)

// ParseJoinFragment extracts the room id from a "#join:<roomId>" fragment.
func ParseJoinFragment(fragment string) (models.RoomID, bool) {
	m := joinFragment.FindStringSubmatch(fragment)
	if m == nil {
		return models.RoomID{}, false
	}
	id, err := models.ParseRoomID(m[1])
	if err != nil {
		return models.RoomID{}, false
	}
	return id, true
}

// JoinLink builds the shareable link that deep-links into a room.
func JoinLink(origin string, roomID models.RoomID) string {
	return strings.TrimRight(origin, "/") + "/#join:" + roomID.String()
}
