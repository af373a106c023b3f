package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jwebster45206/bazaar-engine/integration/runner"
	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <case.json>...\n", os.Args[0])
		os.Exit(1)
	}

	failed := false
	for _, filename := range os.Args[1:] {
		validator := &CaseValidator{}
		if err := validator.validateFile(filename); err != nil {
			fmt.Fprintf(os.Stderr, "Validation failed: %v\n", err)
			failed = true
			continue
		}
		fmt.Printf("%s is valid!\n", filename)
	}
	if failed {
		os.Exit(1)
	}
}

// CaseValidator checks conversation case files before they are run.
type CaseValidator struct {
	errors []string
}

func (v *CaseValidator) validateFile(filename string) error {
	fmt.Printf("Validating %s...\n", filename)

	baseName := filepath.Base(filename)
	if !strings.HasSuffix(baseName, ".json") {
		return fmt.Errorf("case file must have .json extension: %s", baseName)
	}

	nameWithoutExt := strings.TrimSuffix(baseName, ".json")
	if !isValidID(nameWithoutExt) {
		return fmt.Errorf("case filename '%s' must be lowercase snake_case (e.g., rude_buyer.json, not rude-buyer.json or RudeBuyer.json)", baseName)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", filename, err)
	}

	v.errors = nil

	if !json.Valid(data) {
		return fmt.Errorf("file %s contains invalid JSON", filename)
	}

	var suite runner.TestSuite
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&suite); err != nil {
		return fmt.Errorf("file %s failed strict JSON unmarshaling: %w", filename, err)
	}

	v.validateSuite(&suite, filepath.Dir(filename))

	if len(v.errors) > 0 {
		return fmt.Errorf("validation errors in %s:\n%s", filename, strings.Join(v.errors, "\n"))
	}

	return nil
}

func (v *CaseValidator) validateSuite(s *runner.TestSuite, dir string) {
	if strings.TrimSpace(s.Name) == "" {
		v.addError("suite has no name")
	}

	switch {
	case s.IsSequence() && len(s.Steps) > 0:
		v.addError("a suite has either steps or cases, not both")
	case s.IsSequence():
		for _, c := range s.Cases {
			if _, err := os.Stat(filepath.Join(dir, c)); err != nil {
				v.addError(fmt.Sprintf("referenced case '%s' not found", c))
			}
		}
	case len(s.Steps) == 0:
		v.addError("suite has no steps")
	}

	for i, step := range s.Steps {
		v.validateStep(&step, i)
	}
}

func (v *CaseValidator) validateStep(step *runner.TestStep, index int) {
	where := fmt.Sprintf("step %d", index)
	if step.Name != "" {
		where = fmt.Sprintf("step %d (%s)", index, step.Name)
	}

	if strings.TrimSpace(step.Transcript) == "" {
		v.addError(where + " has an empty transcript")
	}

	exp := step.Expectations
	if step.Transcript == runner.ResetSessionPrompt {
		if exp.Intent != nil || exp.ValidationPassed != nil || len(exp.FeedbackContains) > 0 ||
			len(exp.ResponseContains) > 0 || len(exp.ResponseNotContains) > 0 || exp.ResponseRegex != "" {
			v.addError(where + " resets the session, so only world expectations apply")
		}
	}

	if exp.Intent != nil && action.ParseIntent(*exp.Intent) == action.IntentUnknown && *exp.Intent != string(action.IntentUnknown) {
		v.addError(fmt.Sprintf("%s expects unknown intent '%s'", where, *exp.Intent))
	}

	if exp.Gold != nil && *exp.Gold < 0 {
		v.addError(fmt.Sprintf("%s expects negative gold %d", where, *exp.Gold))
	}

	for item, n := range exp.Inventory {
		v.validateIDFormat(where+" inventory item", item)
		if n < 0 {
			v.addError(fmt.Sprintf("%s expects negative count for %s", where, item))
		}
	}

	if exp.CurrentMission != nil {
		v.validateIDFormat(where+" current_mission", *exp.CurrentMission)
	}
	for _, id := range exp.CompletedMissions {
		v.validateIDFormat(where+" completed mission", id)
	}

	for npcID, mood := range exp.NPCMoods {
		v.validateIDFormat(where+" NPC ID", npcID)
		if !world.Mood(mood).Valid() {
			v.addError(fmt.Sprintf("%s expects unknown mood '%s' for %s", where, mood, npcID))
		}
	}

	if exp.ResponseRegex != "" {
		if _, err := regexp.Compile(exp.ResponseRegex); err != nil {
			v.addError(fmt.Sprintf("%s has invalid response_regex: %v", where, err))
		}
	}
}

func (v *CaseValidator) validateIDFormat(fieldName, id string) {
	if id == "" {
		v.addError(fieldName + " is empty")
		return
	}

	if !isValidID(id) {
		v.addError(fmt.Sprintf("%s '%s' should be lowercase snake_case", fieldName, id))
	}
}

func (v *CaseValidator) addError(msg string) {
	v.errors = append(v.errors, "  - "+msg)
}

var validIDRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*[a-z0-9]$|^[a-z]$`)

func isValidID(id string) bool {
	return validIDRegex.MatchString(id)
}
