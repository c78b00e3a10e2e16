package worker

// Capability tags the class of work a worker can take on. Task kinds map
// into this closed set; a kind with no mapping is unroutable.
type Capability string

const (
	CapMeetingPrep      Capability = "meeting_preparation"
	CapDecomposition    Capability = "task_decomposition"
	CapCommunication    Capability = "communication"
	CapResearch         Capability = "research"
	CapScheduleOptimize Capability = "schedule_optimization"
)

// kindCapabilities maps task kinds to the capability required to run them.
var kindCapabilities = map[string]Capability{
	"prepare_meeting":  CapMeetingPrep,
	"generate_agenda":  CapMeetingPrep,
	"morning_briefing": CapMeetingPrep,

	"decompose_task": CapDecomposition,
	"plan_project":   CapDecomposition,

	"draft_email":       CapCommunication,
	"triage_inbox":      CapCommunication,
	"send_notification": CapCommunication,

	"research_topic":     CapResearch,
	"summarize_document": CapResearch,

	"optimize_schedule": CapScheduleOptimize,
	"resolve_conflicts": CapScheduleOptimize,
	"analyze_calendar":  CapScheduleOptimize,
}

// CapabilityForKind returns the capability a task kind requires.
// The second return is false for unknown kinds.
func CapabilityForKind(kind string) (Capability, bool) {
	c, ok := kindCapabilities[kind]
	return c, ok
}

// CanHandle reports whether a capability set covers a task kind.
func CanHandle(caps []Capability, kind string) bool {
	need, ok := CapabilityForKind(kind)
	if !ok {
		return false
	}
	for _, c := range caps {
		if c == need {
			return true
		}
	}
	return false
}

// KindsFor returns the task kinds a capability covers, for diagnostics.
func KindsFor(cap Capability) []string {
	var kinds []string
	for k, c := range kindCapabilities {
		if c == cap {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
