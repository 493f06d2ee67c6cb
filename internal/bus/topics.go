package bus

import "fmt"

// Topic naming convention (spec.md §4.1).
func TeamTopic(teamID string) string { return fmt.Sprintf("team:%s", teamID) }

func AgentTopic(teamID, agentName string) string {
	return fmt.Sprintf("team:%s:agent:%s", teamID, agentName)
}

func TasksTopic(teamID string) string { return fmt.Sprintf("team:%s:tasks", teamID) }

func DecisionsTopic(teamID string) string { return fmt.Sprintf("team:%s:decisions", teamID) }

func ContextTopic(teamID string) string { return fmt.Sprintf("team:%s:context", teamID) }

func TelemetryTeamTopic(teamID string) string { return fmt.Sprintf("telemetry:team:%s", teamID) }

const (
	TelemetryUpdatesTopic = "telemetry:updates"
	SystemTopic           = "loom:system"
)
