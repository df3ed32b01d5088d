package client

type Action string

const (
	ActionPair           Action = "PAIR"
	ActionSwitch         Action = "SWITCH"
	ActionUnpair         Action = "UNPAIR"
	ActionSelectRequired Action = "SELECT_REQUIRED"
)

// Candidate is a host seen during discovery.
type Candidate struct {
	BaseURL     string `json:"baseUrl"`
	HostID      string `json:"hostId"`
	DisplayName string `json:"displayName"`
	Platform    string `json:"platform"`
}

type ReconcileInput struct {
	Candidates        []Candidate
	SelectedBaseURL   string
	ExplicitSelection bool
	Paired            bool
	PairedBaseURL     string
}

// Snapshot is the outcome of one discovery round. SelectedBaseURL is empty
// when nothing is selected.
type Snapshot struct {
	Candidates        []Candidate `json:"candidates"`
	SelectedBaseURL   string      `json:"selectedBaseUrl"`
	ExplicitSelection bool        `json:"explicitSelection"`
	Action            Action      `json:"action"`
}

// Reconcile decides which host is selected and what the primary action is.
// It holds no state between calls.
func Reconcile(in ReconcileInput) Snapshot {
	candidates := dedupe(in.Candidates)
	if len(candidates) == 0 {
		action := ActionSelectRequired
		if in.Paired {
			action = ActionUnpair
		}
		return Snapshot{Candidates: candidates, Action: action}
	}

	selected, explicit := in.SelectedBaseURL, in.ExplicitSelection
	if selected != "" && !containsURL(candidates, selected) {
		selected, explicit = "", false
	}

	if !explicit {
		switch {
		case len(candidates) == 1:
			selected = candidates[0].BaseURL
		case in.Paired && in.PairedBaseURL != "" && containsURL(candidates, in.PairedBaseURL):
			selected = in.PairedBaseURL
		default:
			selected = ""
		}
	}

	return Snapshot{
		Candidates:        candidates,
		SelectedBaseURL:   selected,
		ExplicitSelection: explicit,
		Action:            deriveAction(selected, in.Paired, in.PairedBaseURL),
	}
}

func deriveAction(selected string, paired bool, pairedURL string) Action {
	if !paired {
		if selected != "" {
			return ActionPair
		}
		return ActionSelectRequired
	}
	switch {
	case selected == "":
		return ActionSelectRequired
	case pairedURL == "":
		return ActionPair
	case selected == pairedURL:
		return ActionUnpair
	default:
		return ActionSwitch
	}
}

// dedupe keeps first-seen order; a later duplicate replaces the earlier entry.
func dedupe(in []Candidate) []Candidate {
	index := make(map[string]int, len(in))
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		if c.BaseURL == "" {
			continue
		}
		if i, ok := index[c.BaseURL]; ok {
			out[i] = c
			continue
		}
		index[c.BaseURL] = len(out)
		out = append(out, c)
	}
	return out
}

func containsURL(candidates []Candidate, url string) bool {
	for _, c := range candidates {
		if c.BaseURL == url {
			return true
		}
	}
	return false
}
