package runner

import (
	"time"
)

// Special transcript values that trigger non-conversation actions
const (
	ResetSessionPrompt = "RESET_SESSION"
)

// TestSuite defines a complete conversation scenario.
// Can either be a regular test with Steps, or a suite that references other Cases
type TestSuite struct {
	Name  string     `json:"name"`
	Steps []TestStep `json:"steps,omitempty"` // Used for regular tests
	Cases []string   `json:"cases,omitempty"` // Used for suite tests (list of case files)
}

// IsSequence returns true if this is a suite that sequences other cases
func (ts *TestSuite) IsSequence() bool {
	return len(ts.Cases) > 0
}

// TestStep is one spoken line and its expected outcome.
// Use transcript: "RESET_SESSION" to start over with a fresh bazaar
type TestStep struct {
	Name         string       `json:"name,omitempty"`
	Transcript   string       `json:"transcript"`
	Expectations Expectations `json:"expect"`
}

// Expectations defines what to check after a step executes
type Expectations struct {
	// Action result
	Intent           *string  `json:"intent,omitempty"`
	ValidationPassed *bool    `json:"validation_passed,omitempty"`
	FeedbackContains []string `json:"feedback_contains,omitempty"`

	// World state after the turn
	Gold              *int              `json:"gold,omitempty"`
	Inventory         map[string]int    `json:"inventory,omitempty"` // counts for the listed items only
	Turn              *int              `json:"turn,omitempty"`
	CurrentMission    *string           `json:"current_mission,omitempty"`
	CompletedMissions []string          `json:"completed_missions,omitempty"` // all must be present
	NPCMoods          map[string]string `json:"npc_moods,omitempty"`          // npc id -> mood

	// NPC dialogue analysis
	ResponseContains    []string `json:"response_contains,omitempty"`
	ResponseNotContains []string `json:"response_not_contains,omitempty"`
	ResponseRegex       string   `json:"response_regex,omitempty"`
}

// TestResult contains the outcome of running a test step
type TestResult struct {
	TestName     string
	StepName     string
	Success      bool
	Error        error
	Duration     time.Duration
	ResponseText string
	IsReset      bool // True if this was a RESET_SESSION step (should not count toward pass/fail metrics)
}

// TestJob represents a test suite to be executed
type TestJob struct {
	Name     string
	Suite    TestSuite
	CaseFile string
}

// TestRunResult contains the results of running an entire test suite
type TestRunResult struct {
	Job       TestJob
	Results   []TestResult
	Error     error
	Duration  time.Duration
	SessionID string // session used for the last part of this run
}
