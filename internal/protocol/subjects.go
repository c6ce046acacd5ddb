// internal/protocol/subjects.go

package protocol

import "fmt"

// Fan-out subject namespace. One subject per room: geohash cells, entity
// detail rooms, and a private per-connection room for snapshot replies.

// CellSubject is the room for all subscribers of one geohash prefix
func CellSubject(prefix string) string {
	return fmt.Sprintf("map.cell.%s", prefix)
}

// EntitySubject is the detail room for one entity
func EntitySubject(id string) string {
	return fmt.Sprintf("map.entity.%s", id)
}

// ConnSubject is the private room for one connection
func ConnSubject(connectionID string) string {
	return fmt.Sprintf("map.conn.%s", connectionID)
}
