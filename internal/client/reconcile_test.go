package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	hostA = Candidate{BaseURL: "http://10.0.0.2:7788", DisplayName: "A"}
	hostB = Candidate{BaseURL: "http://10.0.0.3:7788", DisplayName: "B"}
)

func TestReconcile(t *testing.T) {
	tests := []struct {
		name         string
		in           ReconcileInput
		wantSelected string
		wantExplicit bool
		wantAction   Action
	}{
		{
			name:       "no candidates unpaired",
			in:         ReconcileInput{},
			wantAction: ActionSelectRequired,
		},
		{
			name:       "lost paired host",
			in:         ReconcileInput{Paired: true, PairedBaseURL: hostA.BaseURL, SelectedBaseURL: hostA.BaseURL},
			wantAction: ActionUnpair,
		},
		{
			name:         "single candidate auto selected",
			in:           ReconcileInput{Candidates: []Candidate{hostA}},
			wantSelected: hostA.BaseURL,
			wantAction:   ActionPair,
		},
		{
			name:       "two candidates unpaired",
			in:         ReconcileInput{Candidates: []Candidate{hostA, hostB}},
			wantAction: ActionSelectRequired,
		},
		{
			name:       "implicit selection dropped when a second host appears",
			in:         ReconcileInput{Candidates: []Candidate{hostA, hostB}, SelectedBaseURL: hostA.BaseURL},
			wantAction: ActionSelectRequired,
		},
		{
			name:         "paired stays on paired host",
			in:           ReconcileInput{Candidates: []Candidate{hostA, hostB}, Paired: true, PairedBaseURL: hostA.BaseURL},
			wantSelected: hostA.BaseURL,
			wantAction:   ActionUnpair,
		},
		{
			name: "explicit other host while paired",
			in: ReconcileInput{
				Candidates:        []Candidate{hostA, hostB},
				SelectedBaseURL:   hostB.BaseURL,
				ExplicitSelection: true,
				Paired:            true,
				PairedBaseURL:     hostA.BaseURL,
			},
			wantSelected: hostB.BaseURL,
			wantExplicit: true,
			wantAction:   ActionSwitch,
		},
		{
			name:         "explicit selection unpaired",
			in:           ReconcileInput{Candidates: []Candidate{hostA, hostB}, SelectedBaseURL: hostB.BaseURL, ExplicitSelection: true},
			wantSelected: hostB.BaseURL,
			wantExplicit: true,
			wantAction:   ActionPair,
		},
		{
			name:       "explicit selection vanished",
			in:         ReconcileInput{Candidates: []Candidate{hostA, hostB}, SelectedBaseURL: "http://10.0.0.9:7788", ExplicitSelection: true},
			wantAction: ActionSelectRequired,
		},
		{
			name:         "paired without remembered url",
			in:           ReconcileInput{Candidates: []Candidate{hostA}, Paired: true},
			wantSelected: hostA.BaseURL,
			wantAction:   ActionPair,
		},
		{
			name:       "paired host missing among many",
			in:         ReconcileInput{Candidates: []Candidate{hostA, hostB}, Paired: true, PairedBaseURL: "http://10.0.0.9:7788"},
			wantAction: ActionSelectRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reconcile(tt.in)
			assert.Equal(t, tt.wantSelected, got.SelectedBaseURL)
			assert.Equal(t, tt.wantExplicit, got.ExplicitSelection)
			assert.Equal(t, tt.wantAction, got.Action)
		})
	}
}

func TestReconcileDedupesLastWriteWins(t *testing.T) {
	renamed := hostA
	renamed.DisplayName = "A renamed"

	got := Reconcile(ReconcileInput{Candidates: []Candidate{hostA, hostB, renamed}})

	assert.Equal(t, []Candidate{renamed, hostB}, got.Candidates)
}

func TestReconcileDoesNotMutateInput(t *testing.T) {
	in := []Candidate{hostA, hostA}
	Reconcile(ReconcileInput{Candidates: in})
	assert.Equal(t, []Candidate{hostA, hostA}, in)
}
