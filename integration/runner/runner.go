package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

type ErrorHandlingMode string

const ErrorHandlingExit ErrorHandlingMode = "exit"
const ErrorHandlingContinue ErrorHandlingMode = "continue"

// Runner executes conversation cases against a running bazaar-engine API
type Runner struct {
	BaseURL           string
	Client            *http.Client
	Timeout           time.Duration
	Logger            func(format string, args ...interface{})
	ErrorHandlingMode ErrorHandlingMode
}

// NewRunner creates a new test runner
func NewRunner(baseURL string) *Runner {
	return &Runner{
		BaseURL:           strings.TrimSuffix(baseURL, "/"),
		Client:            &http.Client{Timeout: 60 * time.Second},
		Timeout:           30 * time.Second,
		Logger:            func(string, ...interface{}) {},
		ErrorHandlingMode: ErrorHandlingContinue,
	}
}

// LoadTestSuite loads a test suite from a JSON file
func LoadTestSuite(filename string) (TestSuite, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return TestSuite{}, fmt.Errorf("failed to read test file %s: %w", filename, err)
	}

	var suite TestSuite
	if err := json.Unmarshal(content, &suite); err != nil {
		return TestSuite{}, fmt.Errorf("failed to parse JSON in %s: %w", filename, err)
	}

	return suite, nil
}

// LoadTestSuiteWithExpansion loads a test suite and expands it if it's a sequence
// Returns a list of actual test suites (expanded from the sequence if needed)
func LoadTestSuiteWithExpansion(filename string, casesDir string) ([]TestJob, error) {
	suite, err := LoadTestSuite(filename)
	if err != nil {
		return nil, err
	}

	if !suite.IsSequence() {
		return []TestJob{{
			Name:     suite.Name,
			Suite:    suite,
			CaseFile: filename,
		}}, nil
	}

	var jobs []TestJob
	for _, caseFile := range suite.Cases {
		casePath := filepath.Join(casesDir, caseFile)

		// Recursively load (in case a sequence references another sequence)
		subJobs, err := LoadTestSuiteWithExpansion(casePath, casesDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load case '%s' referenced by sequence '%s': %w", caseFile, suite.Name, err)
		}

		jobs = append(jobs, subJobs...)
	}

	return jobs, nil
}

// RunSuite plays a suite's steps in order on a fresh session.
func (r *Runner) RunSuite(ctx context.Context, suite TestSuite) (TestRunResult, error) {
	start := time.Now()
	result := TestRunResult{
		Job: TestJob{
			Name:  suite.Name,
			Suite: suite,
		},
		Results: make([]TestResult, 0, len(suite.Steps)),
	}

	conv, sessionID, err := r.openSession(ctx)
	if err != nil {
		result.Error = fmt.Errorf("failed to open session: %w", err)
		result.Duration = time.Since(start)
		return result, result.Error
	}
	result.SessionID = sessionID
	defer func() {
		conv.Close()
		r.closeSession(result.SessionID)
	}()

	for i, step := range suite.Steps {
		r.Logger("    [%d/%d] Running step: %s", i+1, len(suite.Steps), step.Name)

		var stepResult TestResult
		if step.Transcript == ResetSessionPrompt {
			stepResult = r.resetStep(ctx, step, &conv, &result.SessionID)
		} else {
			stepResult = r.runStep(ctx, conv, step)
		}
		stepResult.TestName = suite.Name
		result.Results = append(result.Results, stepResult)

		if stepResult.Error != nil {
			r.Logger("    [%d/%d] ✗ %s: %v", i+1, len(suite.Steps), step.Name, stepResult.Error)
			if result.Error == nil {
				result.Error = fmt.Errorf("step %d (%s) failed: %w", i, step.Name, stepResult.Error)
			}
			if r.ErrorHandlingMode == ErrorHandlingExit {
				break
			}
			continue
		}

		r.Logger("    [%d/%d] ✓ %s (%v)", i+1, len(suite.Steps), step.Name, stepResult.Duration)
	}

	result.Duration = time.Since(start)
	return result, result.Error
}

func (r *Runner) openSession(ctx context.Context) (*Conversation, string, error) {
	created, err := CreateSession(ctx, r.Client, r.BaseURL)
	if err != nil {
		return nil, "", err
	}
	conv, err := Dial(ctx, r.Client, r.BaseURL, created.SessionID)
	if err != nil {
		r.closeSession(created.SessionID)
		return nil, "", err
	}
	return conv, created.SessionID, nil
}

func (r *Runner) closeSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := DeleteSession(ctx, r.Client, r.BaseURL, sessionID); err != nil {
		r.Logger("    Warning: failed to delete session %s: %v", sessionID, err)
	}
}

// resetStep swaps the conversation for one on a brand new session and checks
// the step's world expectations against its starting state.
func (r *Runner) resetStep(ctx context.Context, step TestStep, conv **Conversation, sessionID *string) TestResult {
	start := time.Now()
	result := TestResult{StepName: step.Name, IsReset: true}

	fresh, id, err := r.openSession(ctx)
	if err != nil {
		result.Error = fmt.Errorf("failed to reset session: %w", err)
		result.Duration = time.Since(start)
		return result
	}
	(*conv).Close()
	r.closeSession(*sessionID)
	*conv, *sessionID = fresh, id

	if err := checkWorld(step.Expectations, fresh.World()); err != nil {
		result.Error = fmt.Errorf("reset expectation failed: %w", err)
		result.Duration = time.Since(start)
		return result
	}

	result.Success = true
	result.ResponseText = "[SESSION RESET]"
	result.Duration = time.Since(start)
	return result
}

func (r *Runner) runStep(ctx context.Context, conv *Conversation, step TestStep) TestResult {
	start := time.Now()
	result := TestResult{StepName: step.Name}

	stepCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	turn, err := conv.Say(stepCtx, step.Transcript)
	if err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result
	}
	result.ResponseText = turn.Dialogue()

	if err := CheckExpectations(step.Expectations, turn); err != nil {
		result.Error = fmt.Errorf("expectation failed: %w", err)
		result.Duration = time.Since(start)
		return result
	}

	result.Success = true
	result.Duration = time.Since(start)
	return result
}

// CheckExpectations validates exp against one turn.
func CheckExpectations(exp Expectations, turn *Turn) error {
	res := turn.Result

	if exp.Intent != nil {
		if res.ParsedAction == nil {
			return fmt.Errorf("expected intent %s, got no parsed action", *exp.Intent)
		}
		if string(res.ParsedAction.Intent) != *exp.Intent {
			return fmt.Errorf("expected intent %s, got %s", *exp.Intent, res.ParsedAction.Intent)
		}
	}

	if exp.ValidationPassed != nil && res.ValidationPassed != *exp.ValidationPassed {
		return fmt.Errorf("expected validation_passed %t, got %t (feedback: %v)", *exp.ValidationPassed, res.ValidationPassed, res.Feedback)
	}

	for _, want := range exp.FeedbackContains {
		found := slices.ContainsFunc(res.Feedback, func(f string) bool {
			return strings.Contains(strings.ToLower(f), strings.ToLower(want))
		})
		if !found {
			return fmt.Errorf("expected feedback to contain '%s', got %v", want, res.Feedback)
		}
	}

	if err := checkWorld(exp, turn.World); err != nil {
		return err
	}

	response := turn.Dialogue()
	lowerResponse := strings.ToLower(response)
	for _, expectedText := range exp.ResponseContains {
		if !strings.Contains(lowerResponse, strings.ToLower(expectedText)) {
			return fmt.Errorf("expected response to contain '%s', got %q", expectedText, response)
		}
	}
	for _, unexpectedText := range exp.ResponseNotContains {
		if strings.Contains(lowerResponse, strings.ToLower(unexpectedText)) {
			return fmt.Errorf("expected response to NOT contain '%s', but it did", unexpectedText)
		}
	}

	if exp.ResponseRegex != "" {
		matched, err := regexp.MatchString(exp.ResponseRegex, response)
		if err != nil {
			return fmt.Errorf("invalid regex pattern: %w", err)
		}
		if !matched {
			return fmt.Errorf("response didn't match regex pattern: %s", exp.ResponseRegex)
		}
	}

	return nil
}

func checkWorld(exp Expectations, ws *world.WorldState) error {
	if ws == nil {
		return fmt.Errorf("no world state received")
	}

	if exp.Gold != nil && ws.Player.Gold != *exp.Gold {
		return fmt.Errorf("expected gold %d, got %d", *exp.Gold, ws.Player.Gold)
	}

	for item, want := range exp.Inventory {
		if got := ws.Player.Inventory[item]; got != want {
			return fmt.Errorf("expected %d %s in inventory, got %d. Actual inventory: %v", want, item, got, ws.Player.Inventory)
		}
	}

	if exp.Turn != nil && ws.Turn != *exp.Turn {
		return fmt.Errorf("expected turn %d, got %d", *exp.Turn, ws.Turn)
	}

	if exp.CurrentMission != nil {
		current := ""
		if ws.CurrentMission != nil {
			current = ws.CurrentMission.ID
		}
		if current != *exp.CurrentMission {
			return fmt.Errorf("expected current mission %s, got %s", *exp.CurrentMission, current)
		}
	}

	for _, id := range exp.CompletedMissions {
		if !slices.Contains(ws.CompletedMissions, id) {
			return fmt.Errorf("expected mission %s to be completed, completed: %v", id, ws.CompletedMissions)
		}
	}

	for npcID, mood := range exp.NPCMoods {
		npc := ws.NPC(npcID)
		if npc == nil {
			return fmt.Errorf("expected NPC %s to exist, but it doesn't", npcID)
		}
		if string(npc.Mood) != mood {
			return fmt.Errorf("expected NPC %s to be %s, got %s", npcID, mood, npc.Mood)
		}
	}

	return nil
}
