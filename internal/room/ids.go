package room

import "strings"

// Type classifies a broadcast room.
type Type string

const (
	TypeOrganization  Type = "organization"
	TypeDashboard     Type = "dashboard"
	TypeMetrics       Type = "metrics"
	TypeCollaborative Type = "collaborative"
)

// Room ids are deterministic over (type, organization, sub-key) so every
// instance converges on the same id for the same logical room.

func OrganizationRoomID(orgID string) string {
	return "org:" + orgID
}

func DashboardRoomID(orgID, dashboardID string) string {
	return "dashboard:" + orgID + ":" + dashboardID
}

func MetricsRoomID(orgID, metricType string) string {
	return "metrics:" + orgID + ":" + metricType
}

func CollaborativeRoomID(orgID, sessionID string) string {
	return "collab:" + orgID + ":" + sessionID
}

// parseRoomID recovers type, organization and sub-key from a raw room id.
// Used when a client joins by raw id and the room has to be lazily created.
func parseRoomID(roomID string) (Type, string, string, bool) {
	parts := strings.SplitN(roomID, ":", 3)
	switch parts[0] {
	case "org":
		if len(parts) < 2 || parts[1] == "" {
			return "", "", "", false
		}
		return TypeOrganization, parts[1], "", true
	case "dashboard":
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			return "", "", "", false
		}
		return TypeDashboard, parts[1], parts[2], true
	case "metrics":
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			return "", "", "", false
		}
		return TypeMetrics, parts[1], parts[2], true
	case "collab":
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			return "", "", "", false
		}
		return TypeCollaborative, parts[1], parts[2], true
	default:
		return "", "", "", false
	}
}
