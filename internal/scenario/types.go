package scenario

// Revoke revokes a fixture's entry right after it is created.
type Revoke struct {
	By     string `yaml:"by"`
	Reason string `yaml:"reason,omitempty"`
}

// Override records the explicit AI-training permission on a fixture.
type Override struct {
	GrantedBy string `yaml:"granted_by"`
	Note      string `yaml:"note,omitempty"`
}

// Fixture is one ledger entry created before the cases run. Fixtures are
// applied in order, so a later fixture for the same entity governs.
type Fixture struct {
	Entity            string    `yaml:"entity"`
	Level             string    `yaml:"level"`
	PermittedUses     []string  `yaml:"permitted_uses"`
	CulturalAuthority string    `yaml:"cultural_authority,omitempty"`
	GrantedBy         string    `yaml:"granted_by"`
	ExpiresIn         string    `yaml:"expires_in,omitempty"` // Go duration from the scenario clock
	TrainingOverride  *Override `yaml:"training_override,omitempty"`
	Revoke            *Revoke   `yaml:"revoke,omitempty"`
}

// Case is one test case within a scenario.
type Case struct {
	Entity string `yaml:"entity"`
	Action string `yaml:"action"`
	Actor  string `yaml:"actor,omitempty"`
	After  string `yaml:"after,omitempty"` // Go duration added to the scenario clock
	Expect string `yaml:"expect"`          // allow | deny
	Code   string `yaml:"code,omitempty"`  // expected failure code on deny
}

// Scenario is a named ledger fixture plus the verdicts expected against it.
type Scenario struct {
	Name   string    `yaml:"name"`
	Now    string    `yaml:"now,omitempty"` // RFC3339; defaults to the current time
	Ledger []Fixture `yaml:"ledger"`
	Cases  []Case    `yaml:"cases"`
}

// CaseResult is the outcome of evaluating one test case.
type CaseResult struct {
	Index        int    `json:"index"`
	Passed       bool   `json:"passed"`
	Entity       string `json:"entity"`
	Action       string `json:"action"`
	Expected     string `json:"expected"`
	Actual       string `json:"actual"`
	ExpectedCode string `json:"expected_code,omitempty"`
	Code         string `json:"code,omitempty"`
	Reason       string `json:"reason"`
}

// RunResult is the outcome of running all cases in one scenario file.
type RunResult struct {
	File   string       `json:"file"`
	Name   string       `json:"name"`
	Total  int          `json:"total"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Cases  []CaseResult `json:"cases"`
}
