package diagnosis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"triage/llm"
)

type fakeModel struct {
	configured bool
	calls      atomic.Int32
	reply      func(prompt string) (string, error)
}

func (f *fakeModel) Configured() bool { return f.configured }

func (f *fakeModel) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls.Add(1)
	return f.reply(prompt)
}

func replyByStep(area, diag string, areaErr, diagErr error) func(string) (string, error) {
	return func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "A patient reports:") {
			return diag, diagErr
		}
		return area, areaErr
	}
}

func TestDiagnoseEmptyInputMakesNoCall(t *testing.T) {
	m := &fakeModel{configured: true, reply: replyByStep("x", "y", nil, nil)}
	o := New(m, nil)

	for _, in := range []string{"", "   ", "\n\t"} {
		res := o.Diagnose(context.Background(), in)
		if res.SymptomArea != NoInputArea {
			t.Errorf("Expected symptom area %q, got %q", NoInputArea, res.SymptomArea)
		}
		if res.Diagnosis != NoInputDiagnosis {
			t.Errorf("Expected diagnosis %q, got %q", NoInputDiagnosis, res.Diagnosis)
		}
		if res.Input != in {
			t.Errorf("Expected input to be echoed, got %q", res.Input)
		}
	}
	if n := m.calls.Load(); n != 0 {
		t.Errorf("Expected no model calls, got %d", n)
	}
}

func TestDiagnoseSuccess(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	m := &fakeModel{configured: true, reply: func(p string) (string, error) {
		mu.Lock()
		prompts = append(prompts, p)
		mu.Unlock()
		return replyByStep(" Neurological\n", "Possible tension headache.", nil, nil)(p)
	}}

	res := New(m, nil).Diagnose(context.Background(), "headache and nausea")

	if res.Input != "headache and nausea" {
		t.Errorf("Expected input to be echoed, got %q", res.Input)
	}
	if res.SymptomArea != "Neurological" {
		t.Errorf("Expected trimmed category, got %q", res.SymptomArea)
	}
	if res.Diagnosis != "Possible tension headache." {
		t.Errorf("Expected diagnosis text, got %q", res.Diagnosis)
	}
	if len(prompts) != 2 {
		t.Fatalf("Expected 2 model calls, got %d", len(prompts))
	}
	want := "A patient reports: headache and nausea. What are the possible diagnoses, next steps, and suggested treatments for this condition?"
	found := false
	for _, p := range prompts {
		if p == want {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected diagnosis prompt %q among %q", want, prompts)
	}
}

func TestDiagnoseCategorizeFailureKeepsDiagnosis(t *testing.T) {
	m := &fakeModel{configured: true, reply: replyByStep("", "Rest and fluids.", errors.New("boom"), nil)}
	res := New(m, nil).Diagnose(context.Background(), "fever")

	if res.SymptomArea != "Error categorizing symptoms: boom" {
		t.Errorf("Expected categorize error text, got %q", res.SymptomArea)
	}
	if res.Diagnosis != "Rest and fluids." {
		t.Errorf("Expected diagnosis to survive, got %q", res.Diagnosis)
	}
}

func TestDiagnoseDiagnosisFailureKeepsCategory(t *testing.T) {
	m := &fakeModel{configured: true, reply: replyByStep("Respiratory", "", nil, llm.ErrRateLimited)}
	res := New(m, nil).Diagnose(context.Background(), "cough")

	if res.SymptomArea != "Respiratory" {
		t.Errorf("Expected category to survive, got %q", res.SymptomArea)
	}
	if !strings.HasPrefix(res.Diagnosis, "Error getting diagnosis: ") {
		t.Errorf("Expected diagnosis error text, got %q", res.Diagnosis)
	}
}

func TestCheckNotConfigured(t *testing.T) {
	m := &fakeModel{reply: replyByStep("", "", nil, nil)}
	err := New(m, nil).Check(context.Background())
	if !errors.Is(err, llm.ErrNotConfigured) {
		t.Errorf("Expected ErrNotConfigured, got %v", err)
	}
	if m.calls.Load() != 0 {
		t.Error("Expected no model call when the model is not configured")
	}
}

func TestCheckCachesResult(t *testing.T) {
	m := &fakeModel{configured: true, reply: func(string) (string, error) { return "OK", nil }}
	o := New(m, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := o.Check(context.Background()); err != nil {
			t.Fatalf("Expected healthy check, got %v", err)
		}
	}
	if n := m.calls.Load(); n != 1 {
		t.Errorf("Expected 1 model call within TTL, got %d", n)
	}

	now = now.Add(DefaultHealthTTL)
	_ = o.Check(context.Background())
	if n := m.calls.Load(); n != 2 {
		t.Errorf("Expected a new model call after TTL, got %d calls", n)
	}
}

func TestCheckReportsModelFailure(t *testing.T) {
	m := &fakeModel{configured: true, reply: func(string) (string, error) { return "", llm.ErrAuthFailed }}
	err := New(m, nil).Check(context.Background())
	if !errors.Is(err, llm.ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed, got %v", err)
	}
}

func TestCheckSurvivesImpatientCaller(t *testing.T) {
	m := &fakeModel{configured: true, reply: func(string) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "OK", nil
	}}
	o := New(m, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := o.Check(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected the caller's deadline, got %v", err)
	}

	if err := o.Check(context.Background()); err != nil {
		t.Errorf("Expected healthy check after an impatient caller, got %v", err)
	}
	if n := m.calls.Load(); n != 1 {
		t.Errorf("Expected the second caller to share the first model call, got %d calls", n)
	}
}

func TestCheckDoesNotCacheContextErrors(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	m := &fakeModel{configured: true, reply: func(string) (string, error) {
		if fail.Load() {
			return "", context.DeadlineExceeded
		}
		return "OK", nil
	}}
	o := New(m, nil)

	if err := o.Check(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}
	fail.Store(false)
	if err := o.Check(context.Background()); err != nil {
		t.Errorf("Expected a fresh check instead of a cached deadline, got %v", err)
	}
}
