package booking

import (
	"context"
	"errors"
	"testing"
)

type fakeClassifier struct {
	correction *Correction
	err        error
	calls      int
}

func (f *fakeClassifier) Classify(_ context.Context, _ string, _ map[Slot]string) (*Correction, error) {
	f.calls++
	return f.correction, f.err
}

func TestResolve_PlainAnswerIsNotACorrection(t *testing.T) {
	classifier := &fakeClassifier{}
	r := NewResolver(ResolverOptions{Classifier: classifier})
	filled := map[Slot]string{SlotName: "Sarah"}

	if c := r.Resolve(context.Background(), "14 Ocean Drive", filled); c != nil {
		t.Fatalf("plain answer classified as correction: %+v", c)
	}
	if classifier.calls != 0 {
		t.Fatal("classifier must not run without a correction marker")
	}
}

func TestResolve_ClassifierVerdictWins(t *testing.T) {
	classifier := &fakeClassifier{correction: &Correction{Slot: SlotPickup, Value: "12 Ocean Drive"}}
	r := NewResolver(ResolverOptions{Classifier: classifier})
	filled := map[Slot]string{SlotPickup: "14 Ocean Drive"}

	c := r.Resolve(context.Background(), "no, I said twelve", filled)
	if c == nil || c.Slot != SlotPickup || c.Value != "12 Ocean Drive" {
		t.Fatalf("correction = %+v", c)
	}
}

func TestResolve_ClassifierFailureFallsBackToPatterns(t *testing.T) {
	classifier := &fakeClassifier{err: errors.New("model unavailable")}
	r := NewResolver(ResolverOptions{Classifier: classifier})
	filled := map[Slot]string{SlotDestination: "Airport"}

	c := r.Resolve(context.Background(), "actually change the destination to Central Station", filled)
	if c == nil || c.Slot != SlotDestination || c.Value != "Central Station" {
		t.Fatalf("fallback correction = %+v", c)
	}
}

func TestResolve_UnfilledSlotIsNeverCorrected(t *testing.T) {
	r := NewResolver(ResolverOptions{})
	filled := map[Slot]string{SlotName: "Sarah"}

	if c := r.Resolve(context.Background(), "actually the destination is the airport", filled); c != nil {
		t.Fatalf("corrected an unfilled slot: %+v", c)
	}
}

func TestResolveVerification_BareAffirmativeConfirms(t *testing.T) {
	r := NewResolver(ResolverOptions{})
	for _, text := range []string{"yes", "Yeah.", "that's right", "correct"} {
		outcome := r.ResolveVerification(VerificationContext{
			Slot:              SlotPickup,
			CallerText:        text,
			AssistantReadback: "14 Ocean Drive",
		})
		if !outcome.Confirmed {
			t.Fatalf("%q should confirm", text)
		}
	}
}

func TestResolveVerification_RejectionYieldsCorrection(t *testing.T) {
	r := NewResolver(ResolverOptions{})
	outcome := r.ResolveVerification(VerificationContext{
		Slot:              SlotPickup,
		CallerText:        "no, it's 12 Ocean Drive",
		AssistantReadback: "14 Ocean Drive",
	})
	if outcome.Confirmed {
		t.Fatal("rejection treated as confirm")
	}
	if outcome.CorrectedValue != "12 Ocean Drive" {
		t.Fatalf("corrected value = %q", outcome.CorrectedValue)
	}
}

func TestResolveVerification_BareNoMeansReprompt(t *testing.T) {
	r := NewResolver(ResolverOptions{})
	outcome := r.ResolveVerification(VerificationContext{
		Slot:              SlotPickup,
		CallerText:        "no",
		AssistantReadback: "14 Ocean Drive",
	})
	if outcome.Confirmed || outcome.CorrectedValue != "" {
		t.Fatalf("outcome = %+v, want neither confirm nor correction", outcome)
	}
}

func TestRejectsOutright(t *testing.T) {
	r := NewResolver(ResolverOptions{})
	cases := []struct {
		text string
		want bool
	}{
		{"no", true},
		{"Nope.", true},
		{"no, don't book it", true},
		{"cancel that", true},
		{"forget it", true},
		{"actually never mind", true},
		{"yes", false},
		{"yes please", false},
		{"the airport", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := r.RejectsOutright(tc.text); got != tc.want {
			t.Fatalf("RejectsOutright(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestResolveVerification_ReplacementAddressHeuristic(t *testing.T) {
	r := NewResolver(ResolverOptions{})
	outcome := r.ResolveVerification(VerificationContext{
		Slot:              SlotPickup,
		CallerText:        "12 Harbour Street",
		AssistantReadback: "14 Ocean Drive",
	})
	if outcome.CorrectedValue != "12 Harbour Street" {
		t.Fatalf("corrected value = %q", outcome.CorrectedValue)
	}
}
