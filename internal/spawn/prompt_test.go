package spawn

import "testing"

func TestBuildPromptSelectsByBeadID(t *testing.T) {
	polling := BuildPrompt("dev", "role instructions", "worker-dev-1", "")
	if want := "CONTINUOUS POLLING LOOP"; !contains(polling, want) {
		t.Errorf("BuildPrompt() with no bead id missing %q", want)
	}
	if contains(polling, "Single Task") {
		t.Errorf("BuildPrompt() with no bead id should not mention single task")
	}

	single := BuildPrompt("dev", "role instructions", "worker-dev-1", "bead-42")
	if want := "Single Task"; !contains(single, want) {
		t.Errorf("BuildPrompt() with bead id missing %q", want)
	}
	if contains(single, "CONTINUOUS POLLING LOOP") {
		t.Errorf("BuildPrompt() with bead id should not poll")
	}
	if !contains(single, "bead-42") {
		t.Errorf("BuildPrompt() with bead id should mention the bead id")
	}
}

func TestBuildPollingPromptLabelFilter(t *testing.T) {
	devPrompt := buildPollingPrompt("dev", "", "w1")
	if !contains(devPrompt, "bd ready -l dev") {
		t.Errorf("dev prompt missing label filter, got:\n%s", devPrompt)
	}

	managerPrompt := buildPollingPrompt("manager", "", "w1")
	if !contains(managerPrompt, "bd ready \n") && !contains(managerPrompt, "bd ready\n") {
		t.Errorf("manager prompt should have no label filter, got:\n%s", managerPrompt)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
