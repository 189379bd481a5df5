// Package diagnosis turns a free-text symptom description into a symptom
// category and a suggested diagnosis using two independent model calls.
package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"triage/llm"
	"triage/metrics"
	"triage/models"
)

const (
	NoInputArea      = "No input provided"
	NoInputDiagnosis = "Please provide symptom description for diagnosis"

	categorizeStep = "categorize"
	diagnoseStep   = "diagnose"

	DefaultHealthTTL   = time.Minute
	healthCheckTimeout = 30 * time.Second
)

const categorizePrompt = `Classify the following patient symptom description into the single most relevant body system or medical specialty, for example Cardiovascular, Respiratory, Neurological, Gastrointestinal, Musculoskeletal, Dermatological, ENT, Urological, Psychiatric or General. Reply with the category name only.

Symptoms: %s`

const diagnosePrompt = "A patient reports: %s. What are the possible diagnoses, next steps, and suggested treatments for this condition?"

type Orchestrator struct {
	model     llm.Completer
	log       *slog.Logger
	healthTTL time.Duration
	now       func() time.Time

	group     singleflight.Group
	mu        sync.Mutex
	checkedAt time.Time
	checkErr  error
}

func New(model llm.Completer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		model:     model,
		log:       logger.With("component", "diagnosis"),
		healthTTL: DefaultHealthTTL,
		now:       time.Now,
	}
}

// Diagnose never fails: when a model call fails, its field carries the
// error text and the other field is still filled in.
func (o *Orchestrator) Diagnose(ctx context.Context, input string) models.DiagnosisResult {
	if strings.TrimSpace(input) == "" {
		metrics.DiagnosisRequests.WithLabelValues("empty").Inc()
		return models.DiagnosisResult{Input: input, SymptomArea: NoInputArea, Diagnosis: NoInputDiagnosis}
	}

	res := models.DiagnosisResult{Input: input}
	var catErr, diagErr error

	// Each step records its own failure; the group never cancels the other.
	var g errgroup.Group
	g.Go(func() error {
		res.SymptomArea, catErr = o.call(ctx, categorizeStep, fmt.Sprintf(categorizePrompt, input))
		if catErr != nil {
			res.SymptomArea = fmt.Sprintf("Error categorizing symptoms: %v", catErr)
		}
		return nil
	})
	g.Go(func() error {
		res.Diagnosis, diagErr = o.call(ctx, diagnoseStep, fmt.Sprintf(diagnosePrompt, input))
		if diagErr != nil {
			res.Diagnosis = fmt.Sprintf("Error getting diagnosis: %v", diagErr)
		}
		return nil
	})
	_ = g.Wait()

	switch {
	case catErr == nil && diagErr == nil:
		metrics.DiagnosisRequests.WithLabelValues("ok").Inc()
	case catErr != nil && diagErr != nil:
		metrics.DiagnosisRequests.WithLabelValues("failed").Inc()
	default:
		metrics.DiagnosisRequests.WithLabelValues("partial").Inc()
	}
	return res
}

func (o *Orchestrator) call(ctx context.Context, step, prompt string) (string, error) {
	start := time.Now()
	out, err := o.model.Complete(ctx, prompt)
	metrics.ObserveLLM(step, start, err)
	if err != nil {
		o.log.Warn("model call failed", "step", step, "error", err)
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Check reports whether the model can be invoked. Model calls are shared between
// concurrent callers and their result is reused for the health TTL. A check
// outlives the caller that started it, so a caller giving up early neither
// cancels it nor gets its own deadline cached as the result.
func (o *Orchestrator) Check(ctx context.Context) error {
	if !o.model.Configured() {
		return llm.ErrNotConfigured
	}

	o.mu.Lock()
	if !o.checkedAt.IsZero() && o.now().Sub(o.checkedAt) < o.healthTTL {
		err := o.checkErr
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	ch := o.group.DoChan("health", func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), healthCheckTimeout)
		defer cancel()
		_, err := o.model.Complete(pctx, "Reply with the single word OK.")
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			o.mu.Lock()
			o.checkedAt, o.checkErr = o.now(), err
			o.mu.Unlock()
		}
		return nil, err
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}
