package roomstate

import "parley/internal/models"

// Each heartbeat stands for roughly five seconds of engagement.
const secondsPerHeartbeat = 5

// PointsForHeartbeat returns the award due at the given heartbeat count.
// Calls pay more than chats, and both pay more the longer the session
// runs; short chats pay nothing.
func PointsForHeartbeat(count int, roomType models.RoomType) int {
	seconds := count * secondsPerHeartbeat

	switch roomType {
	case models.RoomTypeCall, models.RoomTypeVideoCall:
		switch {
		case seconds < 2*60:
			return 50
		case seconds <= 5*60:
			return 100
		case seconds <= 10*60:
			return 200
		default:
			return 250
		}
	default:
		switch {
		case seconds < 3*60:
			return 0
		case seconds <= 5*60:
			return 25
		case seconds <= 9*60:
			return 50
		default:
			return 75
		}
	}
}
